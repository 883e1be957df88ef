// Package cli implements the xpmctl operator commands.
package cli

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	xeroadapter "github.com/smallbiznis/xpm-connect/internal/adapter/xero"
	"github.com/smallbiznis/xpm-connect/internal/config"
	"github.com/smallbiznis/xpm-connect/internal/crypto"
	"github.com/smallbiznis/xpm-connect/internal/repository"
	"github.com/smallbiznis/xpm-connect/internal/service/token"
	"github.com/smallbiznis/xpm-connect/internal/service/xpm"
)

// Loader returns the runtime configuration.
type Loader func() (config.Config, error)

// NewRootCmd builds the xpmctl command tree.
func NewRootCmd(version string, load Loader) *cobra.Command {
	if load == nil {
		load = config.Load
	}
	var verbose bool
	root := &cobra.Command{
		Use:           "xpmctl",
		Short:         "Operate the Xero Practice Manager connector",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log upstream calls to stderr")

	env := &environment{load: load, verbose: &verbose}
	root.AddCommand(newKeygenCmd())
	root.AddCommand(newTokenCmd(env))
	root.AddCommand(newInvoicesCmd(env))
	return root
}

// environment lazily opens the stores a command needs.
type environment struct {
	load    Loader
	verbose *bool
}

type session struct {
	cfg    config.Config
	repo   repository.TokenRepository
	client *xeroadapter.HTTPProviderClient
	tokens token.Store
	logger *zap.Logger
	close  func()
}

func (e *environment) open(ctx context.Context) (*session, error) {
	cfg, err := e.load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := zap.NewNop()
	if e.verbose != nil && *e.verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.NewCipher(cfg.TokenEncryptionKey)
	if err != nil {
		closeRepo()
		return nil, err
	}
	client := xeroadapter.NewHTTPProviderClient(cfg.Provider(), xeroadapter.Options{
		MaxBodyBytes: cfg.UpstreamMaxBodyBytes,
		Logger:       logger,
	})

	return &session{
		cfg:    cfg,
		repo:   repo,
		client: client,
		tokens: token.NewStore(repo, cipher, client, logger),
		logger: logger,
		close: func() {
			closeRepo()
			_ = logger.Sync()
		},
	}, nil
}

func (s *session) resolver() xpm.Resolver {
	return xpm.NewResolver(s.client, s.tokens, xpm.Config{
		APIBaseURL:       s.cfg.XeroAPIBaseURL,
		CandidateTimeout: s.cfg.CandidateTimeout,
		QueryTimeout:     s.cfg.QueryTimeout,
	}, s.logger)
}

func openRepository(ctx context.Context, cfg config.Config) (repository.TokenRepository, func(), error) {
	if cfg.DatabaseDriver == "sqlite" {
		repo, err := repository.NewSQLiteTokenRepo(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return repository.NewPostgresTokenRepo(pool), pool.Close, nil
}
