package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bitop-dev/basilica"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app carries the state shared by the subcommands. Settings resolve as
// flags, then BASILICA_* environment variables (a .env file is loaded
// first), then the config file, then the flag defaults.
type app struct {
	v       *viper.Viper
	cfgFile string

	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{v: viper.New(), in: in, out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "basilica",
		Short: "Embed sentences and images with the Basilica service",
		Long: `basilica sends sentences or image files to the Basilica embedding service
and prints one embedding per input, in input order, as they arrive.

Examples:
  basilica sentences "This is a sentence!" "This is a similar sentence!"
  cat sentences.txt | basilica sentences --format yaml
  basilica images --dimensions 128 cat.jpg dog.png`,
		Version:           basilica.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return a.initConfig() },
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	f := root.PersistentFlags()
	f.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.basilica.yaml or ./.basilica.yaml)")
	f.String("server", basilica.DefaultServer, "embedding service base URL")
	f.String("auth-key", "", "auth key (or BASILICA_AUTH_KEY)")
	f.String("model", "", "model name (default english for sentences, generic for images)")
	f.String("model-version", "", "model version (default \"default\")")
	f.Int("batch-size", 0, "items per request (default 64 for sentences, 32 for images)")
	f.Duration("timeout", 0, "timeout of each HTTP attempt (default 15s for sentences, 30s for images)")
	f.Int("dimensions", 0, "reduce embeddings to this many dimensions (PCA, server side)")
	f.Bool("normalize-l2", false, "L2-normalize embeddings")
	f.Bool("normalize-mean", false, "mean-center embeddings")
	f.Bool("normalize-variance", false, "scale embeddings to unit variance")
	f.Bool("no-transform", false, "upload images as is instead of shrinking them first")
	f.Int("retries", basilica.DefaultRetries, "retries per failure class")
	f.String("format", "json", "output format: json or yaml")
	f.BoolP("verbose", "v", false, "log requests and retries to stderr")
	_ = a.v.BindPFlags(f)

	root.AddCommand(a.sentencesCmd(), a.imagesCmd())
	return root
}

func (a *app) initConfig() error {
	_ = godotenv.Load()

	a.v.SetEnvPrefix("BASILICA")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", a.cfgFile, err)
		}
		return nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		a.v.AddConfigPath(home)
	}
	a.v.AddConfigPath(".")
	a.v.SetConfigName(".basilica")
	a.v.SetConfigType("yaml")
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func (a *app) logger() *zap.Logger {
	level := zapcore.WarnLevel
	if a.v.GetBool("verbose") {
		level = zapcore.DebugLevel
	}
	enc := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(a.errOut), level)
	return zap.New(core)
}

func (a *app) connect() (*basilica.Connection, *zap.Logger, error) {
	log := a.logger()
	conn, err := basilica.NewConnection(basilica.Config{
		Server:  a.v.GetString("server"),
		AuthKey: a.v.GetString("auth-key"),
		Retries: basilica.Ptr(a.v.GetInt("retries")),
		Logger:  log,
	})
	if err != nil {
		return nil, nil, err
	}
	return conn, log, nil
}

func (a *app) options() basilica.Options {
	o := basilica.Options{
		Dimensions:        a.v.GetInt("dimensions"),
		NormalizeL2:       a.optionalBool("normalize-l2"),
		NormalizeMean:     a.optionalBool("normalize-mean"),
		NormalizeVariance: a.optionalBool("normalize-variance"),
	}
	if a.v.GetBool("no-transform") {
		o.TransformImage = basilica.Ptr(false)
	}
	return o
}

// optionalBool leaves a switch nobody set to the server's default.
func (a *app) optionalBool(key string) *bool {
	if !a.v.IsSet(key) {
		return nil
	}
	return basilica.Ptr(a.v.GetBool(key))
}

type callSettings struct {
	model     string
	version   string
	batchSize int
	timeout   time.Duration
	options   basilica.Options
}

func (a *app) settings() callSettings {
	return callSettings{
		model:     a.v.GetString("model"),
		version:   a.v.GetString("model-version"),
		batchSize: a.v.GetInt("batch-size"),
		timeout:   a.v.GetDuration("timeout"),
		options:   a.options(),
	}
}
