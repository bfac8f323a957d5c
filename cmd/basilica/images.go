package main

import (
	"slices"

	"github.com/bitop-dev/basilica"
	"github.com/spf13/cobra"
)

func (a *app) imagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "images FILE...",
		Short: "Embed image files",
		Long: `Embed each image FILE (JPEG, PNG, GIF, BMP, TIFF or WebP). Images are shrunk
to at most 512px per side and re-encoded as JPEG before upload unless
--no-transform is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: a.runImages,
	}
}

func (a *app) runImages(cmd *cobra.Command, args []string) error {
	enc, err := newEncoder(a.out, a.v.GetString("format"))
	if err != nil {
		return err
	}
	conn, log, err := a.connect()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer log.Sync()

	inputs := &fifo{}
	st := a.settings()
	s, err := conn.EmbedImageFiles(cmd.Context(), basilica.EmbedImageFilesRequest{
		Paths:     inputs.track(slices.Values(args)),
		Model:     st.model,
		Version:   st.version,
		Options:   st.options,
		BatchSize: st.batchSize,
		Timeout:   st.timeout,
	})
	if err != nil {
		return err
	}
	return writeStream(enc, s, inputs)
}
