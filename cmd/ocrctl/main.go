package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/joseph-ayodele/ocrpipe/internal/auth"
	"github.com/joseph-ayodele/ocrpipe/internal/common"
	"github.com/joseph-ayodele/ocrpipe/internal/core/ocr"
	"github.com/joseph-ayodele/ocrpipe/internal/export"
	"github.com/joseph-ayodele/ocrpipe/internal/repository"
	"github.com/joseph-ayodele/ocrpipe/internal/server"
	"github.com/joseph-ayodele/ocrpipe/internal/storage"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ocrctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ocrctl",
		Short: "ocrpipe operator CLI",
		Long: `ocrctl runs the OCR engine against local files, exports image reports,
issues API tokens and follows job progress on a running ocrpiped.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("OCRPIPE_CONFIG"), "YAML config file")
	cmd.AddCommand(
		newRunOCRCmd(),
		newExportCmd(),
		newTokenCmd(),
		newWatchCmd(),
	)
	return cmd
}

func loadConfig() (*common.Config, *slog.Logger, error) {
	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, common.NewLogger(cfg.Log, os.Stderr), nil
}

func newRunOCRCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "runocr <image>",
		Short: "Run the OCR engine on one local image and print the text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if cfg.OCR.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.OCR.Timeout)
				defer cancel()
			}

			engine := ocr.NewEngine(ocr.ConfigFrom(cfg.OCR), logger)
			start := time.Now()
			var text string
			if out != "" {
				text, err = engine.ExtractToFile(ctx, args[0], out)
			} else {
				text, err = engine.Extract(ctx, args[0])
			}
			if err != nil {
				return err
			}
			logger.Info("runocr.ok", "path", args[0], "chars", len(text), "duration_ms", time.Since(start).Milliseconds())
			if out == "" {
				_, err = io.WriteString(cmd.OutOrStdout(), text)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "also write the text to this file")
	return cmd
}

func newExportCmd() *cobra.Command {
	var (
		out   string
		owner string
		from  string
		to    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an XLSX report of uploaded images and their OCR state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			filter, err := parseFilter(owner, from, to)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := repository.Open(ctx, repository.ConfigFrom(cfg.Database), logger)
			if err != nil {
				return err
			}
			defer store.Close()
			blobs, err := storage.New(ctx, cfg.Storage, logger)
			if err != nil {
				logger.Warn("blob storage unavailable, text preview left empty", "error", err)
				blobs = nil
			}

			data, err := export.NewService(store, blobs, logger).ImagesXLSX(ctx, filter)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "images.xlsx", "output file")
	cmd.Flags().StringVar(&owner, "owner", "", "only images uploaded by this user id")
	cmd.Flags().StringVar(&from, "from", "", "earliest upload date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "latest upload date (YYYY-MM-DD)")
	return cmd
}

func parseFilter(owner, from, to string) (export.Filter, error) {
	var f export.Filter
	if owner != "" {
		id, err := uuid.Parse(owner)
		if err != nil {
			return f, fmt.Errorf("invalid --owner: %w", err)
		}
		f.Owner = &id
	}
	for _, p := range []struct {
		raw string
		dst **time.Time
		arg string
	}{{from, &f.From, "--from"}, {to, &f.To, "--to"}} {
		if p.raw == "" {
			continue
		}
		t, err := time.Parse(time.DateOnly, p.raw)
		if err != nil {
			return f, fmt.Errorf("invalid %s: %w", p.arg, err)
		}
		*p.dst = &t
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return f, errors.New("--to is before --from")
	}
	return f, nil
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}
	cmd.AddCommand(newTokenIssueCmd())
	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var (
		user string
		role string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.Secret == "" {
				return errors.New("auth.secret is not configured")
			}
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			var userID uuid.UUID
			if user == "" {
				userID = uuid.New()
			} else if userID, err = uuid.Parse(user); err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}

			token, claims, err := auth.NewSigner([]byte(cfg.Auth.Secret), cfg.Auth.TokenTTL).Issue(userID, r)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "user=%s role=%s expires=%s\n", claims.UserID, claims.Role, claims.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (random when empty)")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleUser), "user or admin")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var (
		addr  string
		token string
	)
	cmd := &cobra.Command{
		Use:   "watch <image-id>",
		Short: "Follow OCR progress for an image until it completes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return errors.New("--token is required")
			}
			cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return err
			}
			defer cc.Close()

			ctx := metadata.AppendToOutgoingContext(cmd.Context(), "authorization", "Bearer "+token)
			stream, err := server.WatchProgress(ctx, cc, args[0])
			if err != nil {
				return err
			}
			for {
				msg, err := stream.Recv()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				ev := server.EventFromStruct(msg)
				if ev.Completed {
					fmt.Fprintf(cmd.OutOrStdout(), "%s completed\n", ev.ImageID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d%%\n", ev.ImageID, ev.Progress)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:9090", "ocrpiped gRPC address")
	cmd.Flags().StringVar(&token, "token", os.Getenv("OCRPIPE_TOKEN"), "bearer token")
	return cmd
}
