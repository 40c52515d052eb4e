package commands

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/DrSkyle/whichscript/pkg/storage"
)

func newPushCmd(c *cli) *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "push <target>",
		Short: "Mirror the archive tree into a blob store",
		Long: `Copies every bundle under archive_dir to a local directory, an S3 bucket
(s3://bucket/prefix) or an S3-compatible endpoint (http(s)://host/bucket/prefix).

Endpoint credentials are read from AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY
or MINIO_ROOT_USER/MINIO_ROOT_PASSWORD (a .env file is honoured).`,
		Example: `  whichscript push s3://team-provenance/analysis
  whichscript push http://localhost:9000/provenance --set archive_dir=/data/archive`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			target, err := storage.ParseTarget(args[0])
			if err != nil {
				return err
			}
			if prefix != "" {
				target.Prefix = prefix
			}

			store, err := target.Open(cmd.Context())
			if err != nil {
				return err
			}

			res, err := storage.Mirror(cmd.Context(), afero.NewOsFs(), cfg.ArchiveDir, store, target.Prefix, c.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d files to %s\n", len(res.Uploaded), target)
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d files failed to upload", len(res.Failed))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Key prefix (overrides the one in the target)")
	return cmd
}
