package main

import (
	"fmt"
	"io"
	"os"

	nlog "github.com/ngaut/log"
	"github.com/pingcap-incubator/txnprobe/kv/config"
	"github.com/pingcap-incubator/txnprobe/kv/metrics"
	"github.com/pingcap-incubator/txnprobe/kv/node"
	"github.com/pingcap-incubator/txnprobe/kv/probe"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCommand(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "txnprobe",
		Short: "Check whether SQL queries inside a transaction see the transaction's own writes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := setupLogger(conf); err != nil {
				return err
			}
			key, err := cmd.Flags().GetInt64("key")
			if err != nil {
				return err
			}
			showMetrics, err := cmd.Flags().GetBool("metrics")
			if err != nil {
				return err
			}
			return run(conf, key, showMetrics, out)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringP("config", "c", "", "config file path")
	cmd.Flags().String("concurrency", "", "transaction concurrency, optimistic or pessimistic")
	cmd.Flags().String("isolation", "", "transaction isolation, read-committed, repeatable-read or serializable")
	cmd.Flags().Bool("tx-aware-query", false, "let SQL queries inside a transaction see its pending writes")
	cmd.Flags().String("index-flush", "", "index update mode, sync or async")
	cmd.Flags().String("engine", "", "storage engine, memory or badger")
	cmd.Flags().String("db-path", "", "data directory of the badger engine")
	cmd.Flags().StringP("log-level", "L", "", "log level: debug, info, warn, error, fatal")
	cmd.Flags().Int64("key", 0, "key to write, defaults to the current time in milliseconds")
	cmd.Flags().Bool("metrics", false, "print the collected metrics after the report")
	return cmd
}

// loadConfig reads the config file and applies the flags that were set on the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	fs := cmd.Flags()
	path, err := fs.GetString("config")
	if err != nil {
		return nil, err
	}
	conf, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	strs := map[string]*string{
		"concurrency": &conf.Probe.Concurrency,
		"isolation":   &conf.Probe.Isolation,
		"index-flush": &conf.Query.IndexFlush,
		"engine":      &conf.Engine.Kind,
		"db-path":     &conf.Engine.DBPath,
		"log-level":   &conf.LogLevel,
	}
	for name, dst := range strs {
		if !fs.Changed(name) {
			continue
		}
		if *dst, err = fs.GetString(name); err != nil {
			return nil, err
		}
	}
	if fs.Changed("tx-aware-query") {
		if conf.Query.TxAware, err = fs.GetBool("tx-aware-query"); err != nil {
			return nil, err
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func setupLogger(conf *config.Config) error {
	logConf := &log.Config{Level: conf.LogLevel}
	logConf.File.Filename = conf.LogFile
	lg, props, err := log.InitLogger(logConf)
	if err != nil {
		return errors.Annotate(err, "init logger")
	}
	log.ReplaceGlobals(lg, props)

	nlog.SetLevelByString(conf.LogLevel)
	nlog.SetFlags(nlog.Ldate | nlog.Ltime | nlog.Lmicroseconds | nlog.Lshortfile)
	if conf.LogFile != "" {
		if err := nlog.SetOutputByName(conf.LogFile); err != nil {
			return errors.Annotatef(err, "open log file %s", conf.LogFile)
		}
	}
	return nil
}

func run(conf *config.Config, key int64, showMetrics bool, out io.Writer) error {
	opts, err := probe.OptionsFromConfig(&conf.Probe)
	if err != nil {
		return err
	}
	opts.Key = key

	n, err := node.Start(conf)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			log.Warn("close node failed", zap.Error(err))
		}
	}()
	log.Info("node started",
		zap.String("name", conf.Node.Name),
		zap.String("engine", conf.Engine.Kind),
		zap.Bool("tx-aware-query", conf.Query.TxAware))

	report, err := probe.Run(n, opts)
	if err != nil {
		return err
	}
	if err := report.Print(out); err != nil {
		return err
	}
	if !showMetrics {
		return nil
	}
	samples, err := metrics.Gather(prometheus.DefaultGatherer)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(out, "Metrics:\n"); err != nil {
		return errors.Trace(err)
	}
	return metrics.Write(out, samples)
}

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		log.Error("probe failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, errors.ErrorStack(err))
		os.Exit(1)
	}
}
