// memfd-exec loads an executable image into memory and runs it without a
// persistent on-disk copy. The image comes from a file, stdin, or an
// http(s) URL.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gitlab.com/tozd/go/errors"

	"github.com/VHSgunzo/memfd-exec/pkg/logging"
	"github.com/VHSgunzo/memfd-exec/pkg/memexec"
)

type envFlags []string

func (e *envFlags) String() string { return strings.Join(*e, ",") }

func (e *envFlags) Set(v string) error {
	if !strings.Contains(v, "=") {
		return errors.Errorf("expected KEY=VALUE, got %q", v)
	}
	*e = append(*e, v)
	return nil
}

func main() {
	var (
		name     = flag.String("name", "", "process name (defaults to the image source basename)")
		cwd      = flag.String("cwd", "", "working directory for the child")
		noMemfd  = flag.Bool("no-memfd", false, "skip the in-memory tier, go straight to the tmpfile fallback")
		inPlace  = flag.Bool("exec", false, "replace this process instead of spawning a child")
		verbose  = flag.Bool("v", false, "debug logging")
		envPairs envFlags
	)
	flag.Var(&envPairs, "env", "KEY=VALUE to set in the child environment (repeatable)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] IMAGE [args...]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "  IMAGE: path to an executable, '-' for stdin, or an http(s) URL\n")
		fmt.Fprintf(os.Stderr, "\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	ctx := logging.Setup(context.Background(), level)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, flag.Arg(0), flag.Args()[1:], *name, *cwd, envPairs, *noMemfd, *inPlace)
	if err != nil {
		slog.ErrorContext(ctx, "run failed", "error", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func run(ctx context.Context, source string, args []string, name, cwd string, envPairs []string, noMemfd, inPlace bool) (int, error) {
	image, defaultName, err := loadImage(ctx, source)
	if err != nil {
		return 0, errors.Errorf("loading image from %s: %w", source, err)
	}
	if name == "" {
		name = defaultName
	}

	e := memexec.New(name, image).Args(args...)
	if cwd != "" {
		e.Cwd(cwd)
	}
	for _, pair := range envPairs {
		k, v, _ := strings.Cut(pair, "=")
		e.Env(k, v)
	}
	if noMemfd {
		e.WithoutMemfd()
	}

	if inPlace {
		// Only returns on failure.
		return 0, e.Exec(ctx)
	}

	child, err := e.Spawn(ctx)
	if err != nil {
		return 0, err
	}

	// Forward a second interrupt to the child; the first only cancels ctx.
	go func() {
		<-ctx.Done()
		child.Kill()
	}()

	status, err := child.Wait()
	if err != nil {
		return 0, errors.Errorf("waiting for child: %w", err)
	}

	if sig, ok := status.Signal(); ok {
		return 128 + int(sig), nil
	}
	code, _ := status.Code()
	return code, nil
}

func loadImage(ctx context.Context, source string) ([]byte, string, error) {
	switch {
	case source == "-":
		data, err := io.ReadAll(os.Stdin)
		return data, "stdin", err
	case strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://"):
		return fetchImage(ctx, source)
	default:
		data, err := os.ReadFile(source)
		return data, baseName(source), err
	}
}

func fetchImage(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", errors.Errorf("building request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", errors.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", errors.Errorf("fetching %s: unexpected status %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errors.Errorf("reading response body: %w", err)
	}
	return data, baseName(strings.TrimRight(url, "/")), nil
}

func baseName(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		p = p[i+1:]
	}
	if p == "" {
		return "exe"
	}
	return p
}
