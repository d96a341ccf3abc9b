package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/thiremani/cppjit/cc1"
	"github.com/thiremani/cppjit/frontend"
	"github.com/thiremani/cppjit/options"
)

// newInvoker creates the frontend used by the run command.
var newInvoker = func() frontend.Invoker { return cc1.Invoker{} }

// newLogger returns a console logger writing to w with UTC RFC3339 timestamps.
func newLogger(w io.Writer, level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339))
	}
	config.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(config),
		zapcore.Lock(zapcore.AddSync(w)),
		lvl,
	)), nil
}

// opt is a command line option that is also read from the environment.
type opt struct {
	key   string
	dflt  any
	usage string
}

var compilerOpts = []opt{
	{options.KeySDK, "", "SDK root holding the clang resource directory and system headers"},
	{options.KeyResourceDir, "", "clang resource directory (default: newest under the SDK)"},
	{options.KeyOptLevel, options.DefaultOptLevel, "optimization level: 0, 1, 2, 3, s, z or fast"},
	{options.KeyStd, options.DefaultStd, "C++ language standard"},
	{options.KeyTriple, "", "target triple (default: host)"},
	{options.KeyCPU, "", "target CPU (default: generic for the host architecture)"},
	{options.KeyInclude, []string{}, "additional include directories"},
	{options.KeySystemInclude, []string{}, "system include directories (default: detected)"},
	{options.KeyDefine, []string{}, "preprocessor definitions, NAME or NAME=VALUE"},
	{options.KeySanitize, []string{}, "sanitizers to enable"},
	{options.KeyFastMath, false, "enable fast-math optimizations"},
	{options.KeyDebugInfo, false, "emit debug information"},
	{options.KeyCacheDir, "", "bitcode cache directory (default: per-user cache dir)"},
	{options.KeyNoCache, false, "disable the bitcode cache"},
	{options.KeyEntryPrefix, options.DefaultEntryPrefix, "prefix of entry point names"},
}

// bindOptions registers opts on flags and binds them to v.
func bindOptions(flags *pflag.FlagSet, v *viper.Viper, opts []opt) {
	for _, o := range opts {
		switch d := o.dflt.(type) {
		case string:
			flags.String(o.key, d, o.usage)
		case bool:
			flags.Bool(o.key, d, o.usage)
		case []string:
			flags.StringSlice(o.key, d, o.usage)
		default:
			panic(fmt.Errorf("unknown default type %T for %s", o.dflt, o.key))
		}
		if err := v.BindPFlag(o.key, flags.Lookup(o.key)); err != nil {
			panic(err)
		}
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	v := options.NewViper()
	var logLevel string

	root := &cobra.Command{
		Use:           "cppjit",
		Short:         "Compile C++ snippets into the running process",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	bindOptions(root.PersistentFlags(), v, compilerOpts)

	logger := func() (*zap.Logger, error) {
		return newLogger(stderr, logLevel)
	}
	root.AddCommand(
		newRunCommand(v, logger),
		newCacheCommand(v, logger),
		newVersionCommand(),
	)
	return root
}

func main() {
	cmd := newRootCommand(os.Stdout, os.Stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
