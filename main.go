package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/quietboard/spring83/internal/nsdenylist"
	"github.com/quietboard/spring83/internal/nskey"
	"github.com/quietboard/spring83/internal/nskeygen"
	"github.com/quietboard/spring83/internal/nsstore"
	"github.com/quietboard/spring83/internal/nsstore/nsfilestore"
	"github.com/quietboard/spring83/internal/nsstore/nsmemorystore"
)

const defaultPort = 4434 // 2217 * 2

func main() {
	ctx := context.Background()
	time.Local = time.UTC

	rootCmd := &cobra.Command{
		Use:   "spring83",
		Short: "Spring '83 server and tools",
		Long: strings.TrimSpace(`
Server and tooling implementations for Spring '83, which is a small scale,
independent social platform that doesn't encourage the bad feedback loops of
traditional social media.

Running with no arguments starts the server.
			`),
		Example: strings.TrimSpace(`
# start the server listening on $PORT
spring83 serve

# generate a new key
spring83 keygen
		`),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runServe(ctx); err != nil {
				abortErr(err)
			}
		},
	}

	// spring83 keygen
	{
		cmd := &cobra.Command{
			Use:   "keygen",
			Short: "Generate a conforming Spring '83 keypair",
			Long: strings.TrimSpace(`
Boards in Spring '83 are published with an Ed25519 public key cryptography key
pair with a specific suffix that embeds a magic number and expiry month, which
builds in an automatic challenge factor in generating a new key, thereby helping
to curb abuse. This command brute forces a conforming keypair in a way that
leverages parallelism and some optimizations to do so as quickly as possible,
but depending on hardware, may still take 3 to 30 minutes to complete.
			`),
			Run: func(cmd *cobra.Command, args []string) {
				workers, _ := cmd.Flags().GetInt("workers")
				if err := runKeygen(ctx, workers); err != nil {
					abortErr(err)
				}
			},
		}
		cmd.Flags().Int("workers", 0, "number of parallel search workers (default: number of CPUs)")
		rootCmd.AddCommand(cmd)
	}

	// spring83 key
	{
		cmd := &cobra.Command{
			Use:   "key [private key]",
			Short: "Inspect a Spring '83 keypair",
			Long: strings.TrimSpace(`
Given a private key, prints its corresponding public key along with the
expiry month and year embedded in it.
			`),
			Args: cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runKey(args[0]); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// spring83 sign
	{
		cmd := &cobra.Command{
			Use:   "sign [private key]",
			Short: "Sign board content read from stdin",
			Long: strings.TrimSpace(`
Reads board content from stdin, optionally stamping it with a fresh <time>
tag, and prints the hex-encoded Ed25519 signature a PUT request would send in
its Spring-Signature header.
			`),
			Args: cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				appendTimestamp, _ := cmd.Flags().GetBool("append-timestamp")
				if err := runSign(args[0], appendTimestamp); err != nil {
					abortErr(err)
				}
			},
		}
		cmd.Flags().Bool("append-timestamp", false, "prepend a <time> tag for the current instant before signing")
		rootCmd.AddCommand(cmd)
	}

	// spring83 push
	{
		cmd := &cobra.Command{
			Use:   "push [private key] [server url]",
			Short: "Publish board content read from stdin to a Spring '83 server",
			Long: strings.TrimSpace(`
Reads board content from stdin, signs it, and PUTs it to the given server's
/{key} endpoint. A bare <time> tag is prepended unless one is already
present in the content.
			`),
			Args: cobra.ExactArgs(2),
			Run: func(cmd *cobra.Command, args []string) {
				appendTimestamp, _ := cmd.Flags().GetBool("append-timestamp")
				if err := runPush(ctx, args[0], args[1], appendTimestamp); err != nil {
					abortErr(err)
				}
			},
		}
		cmd.Flags().Bool("append-timestamp", true, "prepend a <time> tag for the current instant before signing")
		rootCmd.AddCommand(cmd)
	}

	// spring83 serve
	{
		cmd := &cobra.Command{
			Use:   "serve",
			Short: "Start Spring '83 server",
			Long: strings.TrimSpace(fmt.Sprintf(`
Starts a Spring '83 server, binding to $PORT, or default to %d. Allows boards to
be posted and retrieved in accordance with protocol specification.
			`, defaultPort)),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runServe(ctx); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		abortErr(err)
	}
}

func abort(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func abortErr(err error) {
	abort("error: %v", err)
}

func runKeygen(ctx context.Context, workers int) error {
	t := time.Now()
	fmt.Printf("Brute forcing a Spring '83 key (this could take a while)\n")

	key, totalIterations, err := nskeygen.GenerateConformingKey(ctx, t, workers)
	if err != nil {
		return err
	}

	fmt.Printf("Succeeded in %v with %d iterations\n", time.Since(t), totalIterations)
	fmt.Printf("Private key: %s\n", key.PrivateKey)
	fmt.Printf("Public  key: %s\n", key.PublicKey)

	return nil
}

func runKey(privateKeyHex string) error {
	keyPair, err := nskey.ParseKeyPairUnchecked(privateKeyHex)
	if err != nil {
		return xerrors.Errorf("error parsing private key: %w", err)
	}

	fmt.Printf("Private key: %s\n", keyPair.PrivateKey)
	fmt.Printf("Public  key: %s\n", keyPair.PublicKey)

	my, err := nskey.ParseKeyMonthYear(keyPair.PublicKey, time.Now())
	if err != nil {
		fmt.Printf("Key does not carry a conforming expiry suffix: %v\n", err)
		return nil
	}

	fmt.Printf("Expires at:  %s\n", my.ExpiresAt().Format(time.RFC3339))
	fmt.Printf("Valid from:  %s\n", my.ValidAt().Format(time.RFC3339))

	if err := my.CheckExpirationDate(time.Now()); err != nil {
		fmt.Printf("Currently:   %v\n", err)
	} else {
		fmt.Printf("Currently:   valid\n")
	}

	return nil
}

func runSign(privateKeyHex string, appendTimestamp bool) error {
	keyPair, err := nskey.ParseKeyPairUnchecked(privateKeyHex)
	if err != nil {
		return xerrors.Errorf("error parsing private key: %w", err)
	}

	content, err := buildBoardContent(appendTimestamp)
	if err != nil {
		return err
	}

	fmt.Println(keyPair.SignHex(content))

	return nil
}

func runPush(ctx context.Context, privateKeyHex, serverURL string, appendTimestamp bool) error {
	keyPair, err := nskey.ParseKeyPairUnchecked(privateKeyHex)
	if err != nil {
		return xerrors.Errorf("error parsing private key: %w", err)
	}

	content, err := buildBoardContent(appendTimestamp)
	if err != nil {
		return err
	}

	url := strings.TrimRight(serverURL, "/") + "/" + keyPair.PublicKey

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(content))
	if err != nil {
		return xerrors.Errorf("error building request: %w", err)
	}
	req.Header.Set("Spring-Signature", keyPair.SignHex(content))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return xerrors.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s: %s\n", resp.Status, body)

	return nil
}

func buildBoardContent(appendTimestamp bool) ([]byte, error) {
	content, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, xerrors.Errorf("error reading board content from stdin: %w", err)
	}

	if appendTimestamp {
		tag := fmt.Sprintf(`<time datetime="%s">`, time.Now().UTC().Format("2006-01-02T15:04:05Z"))
		content = append([]byte(tag), content...)
	}

	return content, nil
}

type Config struct {
	BoardDir              string `env:"BOARD_DIR"`
	DenylistPath          string `env:"DENYLIST_PATH"`
	Port                  int    `env:"PORT" envDefault:"4434"`
	RequestTimeoutSeconds int    `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"30"`
	SlotPoolSize          int    `env:"SLOT_POOL_SIZE" envDefault:"256"`
}

func runServe(ctx context.Context) error {
	config := Config{}
	if err := env.Parse(&config); err != nil {
		return xerrors.Errorf("error parsing env config: %w", err)
	}

	logger := logrus.New()

	var denyList nsdenylist.DenyList
	if config.DenylistPath != "" {
		denyList = nsdenylist.NewFileDenyList(config.DenylistPath)
	} else {
		denyList = nsdenylist.NewMemoryDenyList()
	}

	shutdown := make(chan struct{}, 1)

	var store nsstore.BoardStore
	switch {
	case config.BoardDir != "":
		fileStore, err := nsfilestore.NewFileStore(logger, config.BoardDir)
		if err != nil {
			return xerrors.Errorf("error opening board directory: %w", err)
		}
		store = fileStore

	default:
		store = nsmemorystore.NewMemoryStore(logger)
	}

	logger.Infof("Activating store: %s", reflect.TypeOf(store).Elem().Name())
	logger.Infof("Activating deny list: %s", reflect.TypeOf(denyList).Elem().Name())
	go store.ReapLoop(ctx, shutdown)

	server := NewServer(logger, store, denyList, config.Port,
		WithPoolSize(config.SlotPoolSize),
		WithRequestTimeout(time.Duration(config.RequestTimeoutSeconds)*time.Second),
	)
	if err := server.Start(ctx); err != nil {
		return err
	}

	close(shutdown)

	return nil
}
