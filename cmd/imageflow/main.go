// =============================================================================
// ImageFlow 主入口
// =============================================================================
// 命令行入口：同步生成、异步批量、密钥池运维
//
// 使用方法:
//
//	imageflow generate -task illustration -prompt "..." -out cover.png
//	imageflow generate --config config.yaml -task illustration -prompt "..."
//	imageflow batch -name ep01 -cues cues.txt -aspect 16:9
//	imageflow keys list                  # 列出活跃租约
//	imageflow keys probe -pool image     # 预检池内全部凭据
//	imageflow keys purge -key sk-xxx     # 从 keyring 移除一条凭据
//	imageflow version                    # 显示版本信息
// =============================================================================
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/BaSui01/imageflow"
	"github.com/BaSui01/imageflow/batch"
	"github.com/BaSui01/imageflow/config"
	"github.com/BaSui01/imageflow/image"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "generate":
		runGenerate(os.Args[2:])
	case "batch":
		runBatch(os.Args[2:])
	case "keys":
		runKeys(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// signalContext 返回收到 SIGINT/SIGTERM 时取消的上下文
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadConfig(path string) *config.Config {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func newClient(cfg *config.Config) *imageflow.Client {
	client, err := imageflow.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize client: %v\n", err)
		os.Exit(1)
	}
	return client
}

// =============================================================================
// 🎨 generate 命令
// =============================================================================

func runGenerate(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	task := fs.String("task", "illustration", "Task name to resolve")
	prompt := fs.String("prompt", "", "Generation prompt")
	out := fs.String("out", "output.png", "Output file path")
	aspect := fs.String("aspect", "", "Aspect ratio override, e.g. 16:9")
	count := fs.Int("count", 1, "Number of images")
	refs := fs.String("refs", "", "Comma-separated reference image paths")
	fs.Parse(args)

	if *prompt == "" {
		fmt.Fprintln(os.Stderr, "generate: -prompt is required")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	client := newClient(cfg)

	ctx, cancel := signalContext()
	defer cancel()
	defer client.Close(context.Background())

	opts := &image.ImageTaskOptions{
		Task:        *task,
		Prompt:      *prompt,
		AspectRatio: *aspect,
		Count:       *count,
	}
	for _, p := range splitList(*refs) {
		data, err := os.ReadFile(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read reference image %s: %v\n", p, err)
			os.Exit(1)
		}
		opts.ReferenceImages = append(opts.ReferenceImages, data)
	}

	result, err := client.Generate(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Generation failed: %v\n", err)
		os.Exit(1)
	}

	for i, img := range result.Images {
		path := *out
		if len(result.Images) > 1 {
			ext := filepath.Ext(path)
			path = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(path, ext), i+1, ext)
		}
		if err := os.WriteFile(path, img, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s (%d bytes, %s/%s)\n", path, len(img), result.Provider, result.Model)
	}
}

// =============================================================================
// 📦 batch 命令
// =============================================================================

func runBatch(args []string) {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	name := fs.String("name", "", "Batch name (manifest id)")
	model := fs.String("model", "", "Model override; defaults to the configured Gemini model")
	cuesPath := fs.String("cues", "", "File with one prompt per line")
	aspect := fs.String("aspect", "", "Aspect ratio for all outputs, e.g. 16:9")
	force := fs.Bool("force", false, "Rebuild outputs that already exist")
	fs.Parse(args)

	if *name == "" || *cuesPath == "" {
		fmt.Fprintln(os.Stderr, "batch: -name and -cues are required")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	if *model == "" {
		*model = cfg.Providers.Gemini.Model
	}

	cues, err := readCues(*cuesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read cues: %v\n", err)
		os.Exit(1)
	}
	if len(cues) == 0 {
		fmt.Fprintln(os.Stderr, "batch: cue file is empty")
		os.Exit(1)
	}

	client := newClient(cfg)
	ctx, cancel := signalContext()
	defer cancel()
	defer client.Close(context.Background())

	summary, err := client.RunBatch(ctx, batch.BuildParams{
		Name:        *name,
		Model:       *model,
		Cues:        cues,
		AspectRatio: *aspect,
		Force:       *force,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Batch failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("batch %s: %d requested, %d produced, %d placeholders\n",
		*name, summary.Requested, summary.Produced, summary.Placeholders)
	for _, cue := range summary.FailedCues {
		fmt.Printf("  cue %d: no result\n", cue)
	}
}

// readCues 每行一条提示词，空行与 # 注释跳过；行号即线索序号
func readCues(path string) ([]batch.Cue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cues []batch.Cue
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		cues = append(cues, batch.Cue{Index: line, Prompt: text})
	}
	return cues, scanner.Err()
}

// =============================================================================
// 🔑 keys 命令
// =============================================================================

func runKeys(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "keys: expected subcommand (list | probe | purge)")
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		runKeysList(args[1:])
	case "probe":
		runKeysProbe(args[1:])
	case "purge":
		runKeysPurge(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "keys: unknown subcommand %s\n", args[0])
		os.Exit(1)
	}
}

func runKeysList(args []string) {
	fs := flag.NewFlagSet("keys list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	client := newClient(loadConfig(*configPath))
	defer client.Close(context.Background())

	leases, err := client.Leases().ListActiveLeases()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list leases: %v\n", err)
		os.Exit(1)
	}
	if len(leases) == 0 {
		fmt.Println("no active leases")
		return
	}
	for _, l := range leases {
		fmt.Printf("%s  pool=%s pid=%d host=%s purpose=%q expires=%s\n",
			l.Fingerprint, l.Pool, l.PID, l.Host, l.Purpose, l.ExpiresAt.Format("15:04:05"))
	}
}

func runKeysProbe(args []string) {
	fs := flag.NewFlagSet("keys probe", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	pool := fs.String("pool", "image", "Pool to probe")
	concurrency := fs.Int("concurrency", 4, "Parallel probes")
	fs.Parse(args)

	client := newClient(loadConfig(*configPath))
	ctx, cancel := signalContext()
	defer cancel()
	defer client.Close(context.Background())

	statuses, err := client.Leases().ProbeAll(ctx, *pool, *concurrency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Probe failed: %v\n", err)
		os.Exit(1)
	}
	for fp, status := range statuses {
		fmt.Printf("%s  %s\n", fp, status)
	}
}

func runKeysPurge(args []string) {
	fs := flag.NewFlagSet("keys purge", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	key := fs.String("key", "", "Exact credential to remove from the keyring")
	fs.Parse(args)

	if *key == "" {
		fmt.Fprintln(os.Stderr, "keys purge: -key is required")
		os.Exit(1)
	}

	client := newClient(loadConfig(*configPath))
	defer client.Close(context.Background())

	removed, err := client.Leases().PurgeKeyFromKeyring(*key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Purge failed: %v\n", err)
		os.Exit(1)
	}
	if removed {
		fmt.Println("removed")
	} else {
		fmt.Println("not found")
	}
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("ImageFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`ImageFlow - resilient image generation client

Usage:
  imageflow generate -task <task> -prompt <text> [-out file] [-aspect W:H] [-count n] [-refs a.png,b.png]
  imageflow batch    -name <id> -cues <file> [-model m] [-aspect W:H] [-force]
  imageflow keys     list | probe [-pool name] | purge -key <credential>
  imageflow version

Common flags:
  -config path   Config file (YAML); env vars override`)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
