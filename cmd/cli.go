package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	client "github.com/jsp-lqk/metapipe-redis"
	"github.com/jsp-lqk/metapipe-redis/internal"
	"github.com/jsp-lqk/metapipe-redis/internal/common"
	"github.com/jsp-lqk/metapipe-redis/internal/protocol"
)

const (
	Version = "0.2.0"

	// wrap is the number of characters to wrap the help text at
	wrap int = 50
)

var (
	log = logger.GetLogger("cli")

	rootCmd = &cobra.Command{
		Use:   "metapipe",
		Short: "pipelined redis client",
		Long: fmt.Sprintf(`metapipe (v%s)

Sends RESP commands to one or more redis servers over a single pipelined
connection per server. Replies are matched to requests by order.`, Version),
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of metapipe",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("metapipe v%s\n", Version)
		},
	}

	doCmd = &cobra.Command{
		Use:   "do <key> <verb> [args...]",
		Short: "Send one command and print the reply",
		Long: wrapString(`Sends a single command to the server that owns key and prints the
decoded reply. The key only selects the server, it is not added to the
command.`),
		Example: "  metapipe do user:1 GET user:1\n  metapipe do q RPUSH q a b c",
		Args:    cobra.MinimumNArgs(2),
		RunE:    runDo,
	}

	benchCmd = &cobra.Command{
		Use:   "bench",
		Short: "Measure round trip latency under pipelining",
		RunE:  runBench,
	}
)

func init() {
	cobra.OnInitialize(loadEnv)

	flags := rootCmd.PersistentFlags()
	flags.String("endpoints", "127.0.0.1:6379", wrapString("Comma separated host:port list. Each endpoint becomes one shard"))
	flags.String("placement", "jump", wrapString("How keys map to shards: jump, consistent or direct"))
	flags.Int("timeout-ms", client.DefaultTimeoutMs, wrapString("Fail a request once it has waited this long for its reply"))
	flags.Int("tick-ms", client.DefaultTickMs, wrapString("Interval of the timeout sweep"))
	flags.Int("max-outstanding", client.DefaultMaxOutstanding, wrapString("Refuse new requests once a shard holds this many"))
	flags.Int("read-buffer", internal.DefaultReadBufferSize, wrapString("Size of the per shard read buffer in bytes"))
	flags.Bool("tcp-nodelay", true, wrapString("Whether to set TCP_NODELAY on every connection"))
	flags.String("log-level", "warn", wrapString("Log level: debug, info, warn or error"))
	flags.Bool("metrics", false, wrapString("Print pipeline metrics in prometheus text format before exiting"))

	benchCmd.Flags().Int("requests", 100000, wrapString("Total number of requests to send"))
	benchCmd.Flags().Int("concurrency", 50, wrapString("Number of goroutines issuing requests"))
	benchCmd.Flags().String("op", "ping", wrapString("Workload: ping, set or get"))
	benchCmd.Flags().Int("value-size", 64, wrapString("Size of the values written by set (in bytes)"))
	benchCmd.Flags().Int("keys", 1000, wrapString("How many distinct keys set and get spread over"))

	rootCmd.AddCommand(versionCmd, doCmd, benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEnv reads .env files and maps METAPIPE_* variables onto flags.
func loadEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("metapipe")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func initConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return common.InitLoggers(viper.GetString("log-level"))
}

func clientConfig() (client.ClientConfig, error) {
	cfg := client.ClientConfig{
		Placement:      viper.GetString("placement"),
		TimeoutMs:      viper.GetInt("timeout-ms"),
		TickMs:         viper.GetInt("tick-ms"),
		MaxOutstanding: viper.GetInt("max-outstanding"),
		ReadBufferSize: viper.GetInt("read-buffer"),
		TCPNoDelay:     viper.GetBool("tcp-nodelay"),
	}
	for _, endpoint := range strings.Split(viper.GetString("endpoints"), ",") {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint == "" {
			continue
		}
		target, err := client.ParseTarget(endpoint)
		if err != nil {
			return cfg, err
		}
		cfg.Targets = append(cfg.Targets, target)
	}
	if len(cfg.Targets) == 0 {
		return cfg, errors.New("no endpoints configured")
	}
	return cfg, nil
}

func connect() (*client.PipelineClient, error) {
	cfg, err := clientConfig()
	if err != nil {
		return nil, err
	}
	c, err := client.NewPipelineClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	log.Infof("connected to %d shard(s)", len(cfg.Targets))
	return c, nil
}

func shutdown(c *client.PipelineClient) {
	c.Shutdown()
	if viper.GetBool("metrics") {
		fmt.Println()
		c.WritePrometheus(os.Stdout)
	}
}

func runDo(_ *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer shutdown(c)

	verb := strings.ToUpper(args[1])
	cmdArgs := make([][]byte, 0, len(args)-2)
	for _, a := range args[2:] {
		cmdArgs = append(cmdArgs, []byte(a))
	}
	v, err := c.Do(args[0], verb, cmdArgs...).Wait()
	var serr *client.ServerError
	if err != nil && !errors.As(err, &serr) {
		return err
	}
	fmt.Println(protocol.String(v))
	return nil
}

func runBench(_ *cobra.Command, _ []string) error {
	requests := viper.GetInt("requests")
	concurrency := viper.GetInt("concurrency")
	op := strings.ToLower(viper.GetString("op"))
	keys := viper.GetInt("keys")
	if requests <= 0 || concurrency <= 0 || keys <= 0 {
		return errors.New("requests, concurrency and keys must be positive")
	}

	var issue func(key string) *client.Call
	c, err := connect()
	if err != nil {
		return err
	}
	defer shutdown(c)

	value := make([]byte, viper.GetInt("value-size"))
	for i := range value {
		value[i] = 'x'
	}
	switch op {
	case "ping":
		issue = func(key string) *client.Call { return c.Do(key, "PING") }
	case "set":
		issue = func(key string) *client.Call { return c.Do(key, "SET", []byte(key), value) }
	case "get":
		issue = func(key string) *client.Call { return c.Do(key, "GET", []byte(key)) }
	default:
		return fmt.Errorf("unknown op %q", op)
	}

	cfg := c.Config()
	fmt.Println(cfg.String())
	fmt.Printf("  %-22s: %s\n", "Workload", op)
	fmt.Printf("  %-22s: %d\n", "Requests", requests)
	fmt.Printf("  %-22s: %d\n\n", "Concurrency", concurrency)

	timer := gometrics.NewTimer()
	failures := gometrics.NewMeter()
	defer timer.Stop()
	defer failures.Stop()

	var next atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()
	for g := 0; g < concurrency; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := next.Add(1) - 1
				if i >= int64(requests) {
					return
				}
				key := fmt.Sprintf("bench:%d", i%int64(keys))
				t0 := time.Now()
				if _, err := issue(key).Wait(); err != nil {
					failures.Mark(1)
					log.Debugf("request %d failed: %v", i, err)
					continue
				}
				timer.UpdateSince(t0)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	printBenchResult(timer, failures.Count(), elapsed)
	return nil
}

func printBenchResult(timer gometrics.Timer, failed int64, elapsed time.Duration) {
	ps := timer.Percentiles([]float64{0.5, 0.9, 0.99, 0.999})
	ms := func(ns float64) string { return fmt.Sprintf("%.3f ms", ns/float64(time.Millisecond)) }

	fmt.Println("RESULTS")
	fmt.Printf("  %-22s: %d\n", "Completed", timer.Count())
	fmt.Printf("  %-22s: %d\n", "Failed", failed)
	fmt.Printf("  %-22s: %s\n", "Elapsed", elapsed.Round(time.Millisecond))
	fmt.Printf("  %-22s: %.0f req/s\n", "Throughput", float64(timer.Count())/elapsed.Seconds())
	fmt.Printf("  %-22s: %s\n", "Mean", ms(timer.Mean()))
	fmt.Printf("  %-22s: %s\n", "Min", ms(float64(timer.Min())))
	fmt.Printf("  %-22s: %s\n", "p50", ms(ps[0]))
	fmt.Printf("  %-22s: %s\n", "p90", ms(ps[1]))
	fmt.Printf("  %-22s: %s\n", "p99", ms(ps[2]))
	fmt.Printf("  %-22s: %s\n", "p99.9", ms(ps[3]))
	fmt.Printf("  %-22s: %s\n", "Max", ms(float64(timer.Max())))
}

// wrapString wraps text at wrap characters
func wrapString(text string) string {
	var lines []string
	var line strings.Builder
	width := 0

	for _, word := range strings.Fields(text) {
		if width > 0 && width+1+len(word) > wrap {
			lines = append(lines, line.String())
			line.Reset()
			width = 0
		}
		if width > 0 {
			line.WriteString(" ")
			width++
		}
		line.WriteString(word)
		width += len(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}
