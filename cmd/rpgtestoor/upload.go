package main

import (
	"fmt"

	"github.com/ethpandaops/rpgtestoor/pkg/upload"
	"github.com/spf13/cobra"
)

var uploadResultDir string

var uploadResultsCmd = &cobra.Command{
	Use:   "upload-results",
	Short: "Upload a run directory to remote storage",
	Long:  `Upload a local run directory to S3-compatible storage using the config file settings.`,
	RunE:  runUploadResults,
}

func init() {
	rootCmd.AddCommand(uploadResultsCmd)
	uploadResultsCmd.Flags().StringVar(&uploadResultDir, "result-dir", "",
		"Path to the run directory to upload")

	_ = uploadResultsCmd.MarkFlagRequired("result-dir")
}

func runUploadResults(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	u := cfg.Results.Upload
	if u == nil || u.S3 == nil || !u.S3.Enabled {
		return fmt.Errorf("S3 upload is not configured or not enabled in config")
	}

	uploader, err := upload.NewS3Uploader(log, u.S3)
	if err != nil {
		return fmt.Errorf("creating S3 uploader: %w", err)
	}

	log.WithField("dir", uploadResultDir).Info("Uploading results")

	remote, err := uploader.Upload(cmd.Context(), uploadResultDir)
	if err != nil {
		return fmt.Errorf("uploading results: %w", err)
	}

	log.WithField("location", remote).Info("Upload completed successfully")

	return nil
}
