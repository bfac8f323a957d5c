package main

import (
	"bufio"
	"io"
	"iter"
	"slices"
	"strings"

	"github.com/bitop-dev/basilica"
	"github.com/spf13/cobra"
)

func (a *app) sentencesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sentences [TEXT...]",
		Short: "Embed sentences",
		Long: `Embed each TEXT argument, or each non-empty line of stdin when no TEXT is
given. Input is streamed: output starts before stdin is exhausted.`,
		RunE: a.runSentences,
	}
}

func (a *app) runSentences(cmd *cobra.Command, args []string) error {
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

	var scanErr error
	src := slices.Values(args)
	if len(args) == 0 {
		src = lines(a.in, &scanErr)
	}
	inputs := &fifo{}

	st := a.settings()
	s, err := conn.EmbedSentences(cmd.Context(), basilica.EmbedSentencesRequest{
		Sentences: inputs.track(src),
		Model:     st.model,
		Version:   st.version,
		Options:   st.options,
		BatchSize: st.batchSize,
		Timeout:   st.timeout,
	})
	if err != nil {
		return err
	}
	if err := writeStream(enc, s, inputs); err != nil {
		return err
	}
	return scanErr
}

func lines(r io.Reader, errp *error) iter.Seq[string] {
	return func(yield func(string) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			if !yield(line) {
				return
			}
		}
		*errp = sc.Err()
	}
}
