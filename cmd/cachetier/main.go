package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/telcobill/go-cache/cache"
	"github.com/telcobill/go-cache/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cachetier",
	Short: "Operator tooling for the shared cache tier",
	Long:  "cachetier inspects and manipulates the redis-backed cache tier: read and write entries, invalidate by tag or pattern, and report stats and health.",
}

func flagOrEnv(cmd *cobra.Command, flagName, envName, defaultValue string) string {
	if v, _ := cmd.Flags().GetString(flagName); v != "" {
		return v
	}
	if v, ok := os.LookupEnv(envName); ok {
		return v
	}
	return defaultValue
}

func logLevel(cmd *cobra.Command) logger.LogLevel {
	switch flagOrEnv(cmd, "log-level", "CACHETIER_LOG_LEVEL", "warn") {
	case "trace", "TRACE":
		return logger.LevelTrace
	case "debug", "DEBUG":
		return logger.LevelDebug
	case "info", "INFO":
		return logger.LevelInfo
	case "error", "ERROR":
		return logger.LevelError
	}
	return logger.LevelWarn
}

// newLayer dials the shared tier from the global flags. The returned cleanup
// closes the layer.
func newLayer(cmd *cobra.Command) (*cache.Redis, func()) {
	cfg := cache.RedisConfig{
		Addr:      flagOrEnv(cmd, "addr", "CACHETIER_REDIS_ADDR", "localhost:6379"),
		Password:  flagOrEnv(cmd, "password", "CACHETIER_REDIS_PASSWORD", ""),
		KeyPrefix: flagOrEnv(cmd, "prefix", "CACHETIER_KEY_PREFIX", ""),
	}
	if nodes := flagOrEnv(cmd, "cluster", "CACHETIER_REDIS_CLUSTER", ""); nodes != "" {
		cfg.ClusterNodes = strings.Split(nodes, ",")
	}
	log := logger.NewConsoleLogger(logLevel(cmd))
	c, err := cache.NewRedis(cmd.Context(), log, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return c, func() { c.Close() }
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Fetch a cached value",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, done := newLayer(cmd)
		defer done()
		found, val, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if !found {
			fmt.Println("(miss)")
			os.Exit(1)
		}
		fmt.Printf("%v\n", val)
	},
}

var setCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a value",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		c, done := newLayer(cmd)
		defer done()
		var opts []cache.SetOption
		if ttl, _ := cmd.Flags().GetDuration("ttl"); ttl > 0 {
			opts = append(opts, cache.WithTTL(ttl))
		}
		if tags, _ := cmd.Flags().GetStringSlice("tag"); len(tags) > 0 {
			opts = append(opts, cache.WithTags(tags...))
		}
		if !c.Set(cmd.Context(), args[0], args[1], opts...) {
			fmt.Fprintln(os.Stderr, "error: set failed")
			os.Exit(1)
		}
		fmt.Println("OK")
	},
}

var delCmd = &cobra.Command{
	Use:   "del <key>",
	Short: "Remove a key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, done := newLayer(cmd)
		defer done()
		if c.Delete(cmd.Context(), args[0]) {
			fmt.Println("deleted")
		} else {
			fmt.Println("(not found)")
		}
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys <pattern>",
	Short: "List keys matching a glob pattern (SCAN, administrative)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, done := newLayer(cmd)
		defer done()
		for _, k := range c.Keys(cmd.Context(), args[0]) {
			fmt.Println(k)
		}
	},
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Invalidate entries by tag or key pattern",
	Run: func(cmd *cobra.Command, args []string) {
		tag, _ := cmd.Flags().GetString("tag")
		pattern, _ := cmd.Flags().GetString("pattern")
		if (tag == "") == (pattern == "") {
			fmt.Fprintln(os.Stderr, "error: exactly one of --tag or --pattern is required")
			os.Exit(1)
		}
		c, done := newLayer(cmd)
		defer done()
		var n int
		if tag != "" {
			n = c.InvalidateTag(cmd.Context(), tag)
		} else {
			n = c.InvalidatePattern(cmd.Context(), pattern)
		}
		fmt.Printf("invalidated %d entries\n", n)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show tier stats and health",
	Run: func(cmd *cobra.Command, args []string) {
		c, done := newLayer(cmd)
		defer done()
		h := c.HealthCheck(cmd.Context())
		s := c.Stats()
		fmt.Printf("status:    %s\n", h.Status)
		fmt.Printf("entries:   %d\n", s.Entries)
		fmt.Printf("hits:      %d\n", s.Hits)
		fmt.Printf("misses:    %d\n", s.Misses)
		fmt.Printf("hit rate:  %.1f%%\n", s.HitRate*100)
		fmt.Printf("errors:    %d\n", s.Errors)
	},
}

func main() {
	rootCmd.PersistentFlags().String("addr", "", "redis address (or CACHETIER_REDIS_ADDR)")
	rootCmd.PersistentFlags().String("password", "", "redis password (or CACHETIER_REDIS_PASSWORD)")
	rootCmd.PersistentFlags().String("cluster", "", "comma-separated cluster nodes (or CACHETIER_REDIS_CLUSTER)")
	rootCmd.PersistentFlags().String("prefix", "", "key prefix namespace (or CACHETIER_KEY_PREFIX)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn, error")

	setCmd.Flags().Duration("ttl", 0, "entry TTL (default: tier default)")
	setCmd.Flags().StringSlice("tag", nil, "invalidation tag (repeatable)")
	invalidateCmd.Flags().String("tag", "", "invalidate every entry carrying this tag")
	invalidateCmd.Flags().String("pattern", "", "invalidate keys matching this glob pattern")

	rootCmd.AddCommand(getCmd, setCmd, delCmd, keysCmd, invalidateCmd, statsCmd)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
