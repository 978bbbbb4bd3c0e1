// Command inspect reads ledger accounts from a cluster, derives their
// addresses, streams their changes and issues development tokens.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Erio-Harrison/defi-tools/internal/codec"
	"github.com/Erio-Harrison/defi-tools/internal/config"
	"github.com/Erio-Harrison/defi-tools/internal/identity"
	"github.com/Erio-Harrison/defi-tools/internal/pda"
	"github.com/Erio-Harrison/defi-tools/internal/solana"
	"github.com/Erio-Harrison/defi-tools/internal/storage/chain"
)

type options struct {
	mode       string
	owner      string
	strategyID int64
	programID  string
	rpcURL     string
	wsURL      string
	commitment string
	secret     string
	issuer     string
	ttl        time.Duration
	all        bool
}

func main() {
	os.Exit(start())
}

func start() int {
	cfg, err := config.Load(os.Getenv("DEFI_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	var o options
	flag.StringVar(&o.mode, "mode", "pda", "pda | profile | strategies | watch | token")
	flag.StringVar(&o.owner, "owner", "", "Owner public key (base58)")
	flag.Int64Var(&o.strategyID, "strategy-id", -1, "Strategy id; negative selects the profile")
	flag.StringVar(&o.programID, "program", cfg.Ledger.ProgramID, "Ledger program id")
	flag.StringVar(&o.rpcURL, "rpc-url", cfg.Solana.RPCURL, "Solana RPC HTTP endpoint")
	flag.StringVar(&o.wsURL, "ws-url", cfg.Solana.WSURL, "Solana WebSocket endpoint")
	flag.StringVar(&o.commitment, "commitment", cfg.Solana.Commitment, "Subscription commitment")
	flag.StringVar(&o.secret, "secret", cfg.Auth.JWTSecret, "JWT secret for -mode token")
	flag.StringVar(&o.issuer, "issuer", cfg.Auth.Issuer, "JWT issuer for -mode token")
	flag.DurationVar(&o.ttl, "ttl", cfg.Auth.TokenTTL, "Token lifetime for -mode token")
	flag.BoolVar(&o.all, "all", false, "With -mode profile, list every profile of the program")
	flag.Parse()

	logger := log.New(os.Stderr, "[inspect] ", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rpc := solana.NewHTTPClient(o.rpcURL, solana.WithTimeout(cfg.Solana.Timeout), solana.WithCommitment(o.commitment))
	if err := run(ctx, o, rpc, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("%s: %v", o.mode, err)
		return 1
	}
	return 0
}

func run(ctx context.Context, o options, rpc solana.RPCClient, out io.Writer) error {
	switch o.mode {
	case "pda":
		return printAddresses(o, out)
	case "profile":
		reader := chain.NewReader(rpc, o.programID)
		if o.all {
			profiles, err := reader.ListProfiles(ctx)
			if err != nil {
				return err
			}
			return writeJSON(out, profiles)
		}
		if err := requireOwner(o); err != nil {
			return err
		}
		p, err := reader.GetProfile(ctx, o.owner)
		if err != nil {
			return err
		}
		return writeJSON(out, p)
	case "strategies":
		if err := requireOwner(o); err != nil {
			return err
		}
		reader := chain.NewReader(rpc, o.programID)
		if o.strategyID >= 0 {
			st, err := reader.GetStrategy(ctx, o.owner, uint64(o.strategyID))
			if err != nil {
				return err
			}
			return writeJSON(out, st)
		}
		list, err := reader.ListStrategies(ctx, o.owner)
		if err != nil {
			return err
		}
		return writeJSON(out, list)
	case "watch":
		return watch(ctx, o, out)
	case "token":
		if o.secret == "" {
			return errors.New("-secret is required")
		}
		token, expiresAt, err := identity.NewIssuer([]byte(o.secret), o.issuer, o.ttl).Sign(o.owner)
		if err != nil {
			return err
		}
		return writeJSON(out, map[string]any{"token": token, "expires_at": expiresAt})
	}
	return fmt.Errorf("unknown mode %q", o.mode)
}

type addressOutput struct {
	Owner      string  `json:"owner"`
	ProgramID  string  `json:"program_id"`
	Profile    string  `json:"profile"`
	VaultBump  uint8   `json:"vault_bump"`
	StrategyID *uint64 `json:"strategy_id,omitempty"`
	Strategy   string  `json:"strategy,omitempty"`
	Bump       uint8   `json:"strategy_bump,omitempty"`
}

func printAddresses(o options, out io.Writer) error {
	if err := requireOwner(o); err != nil {
		return err
	}
	profile, err := pda.ProfileAddress(o.owner, o.programID)
	if err != nil {
		return err
	}
	res := addressOutput{Owner: o.owner, ProgramID: o.programID, Profile: profile.Key, VaultBump: profile.Bump}
	if o.strategyID >= 0 {
		id := uint64(o.strategyID)
		st, err := pda.StrategyAddress(o.owner, id, o.programID)
		if err != nil {
			return err
		}
		res.StrategyID = &id
		res.Strategy = st.Key
		res.Bump = st.Bump
	}
	return writeJSON(out, res)
}

// watch streams decoded updates of the profile account, or of one strategy
// when -strategy-id is set, until interrupted.
func watch(ctx context.Context, o options, out io.Writer) error {
	if err := requireOwner(o); err != nil {
		return err
	}
	var (
		addr pda.Address
		err  error
	)
	if o.strategyID >= 0 {
		addr, err = pda.StrategyAddress(o.owner, uint64(o.strategyID), o.programID)
	} else {
		addr, err = pda.ProfileAddress(o.owner, o.programID)
	}
	if err != nil {
		return err
	}

	wsCfg := solana.DefaultWSConfig()
	wsCfg.Commitment = o.commitment
	ws, err := solana.NewWSClient(ctx, o.wsURL, &wsCfg)
	if err != nil {
		return fmt.Errorf("connect websocket: %w", err)
	}
	defer ws.Close()

	updates, err := ws.SubscribeAccount(ctx, addr.Key)
	if err != nil {
		return err
	}
	for n := range updates {
		data, err := n.Account.Bytes()
		if err != nil {
			return err
		}
		var decoded any
		if o.strategyID >= 0 {
			decoded, err = codec.DecodeStrategy(data)
		} else {
			decoded, err = codec.DecodeProfile(data)
		}
		if err != nil {
			decoded = map[string]string{"error": err.Error()}
		}
		if err := writeJSON(out, map[string]any{"slot": n.Slot, "address": n.Pubkey, "account": decoded}); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func requireOwner(o options) error {
	if o.owner == "" {
		return errors.New("-owner is required")
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
