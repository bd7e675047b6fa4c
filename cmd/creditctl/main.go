// Command creditctl is the admin/bootstrap CLI: a single flag-dispatched
// binary operating directly on the local bbolt-backed state store, with
// TOML config and a flag.FlagSet per subcommand.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/term"

	"cardcredit/corestate"
	"cardcredit/credit"
	"cardcredit/crypto"
	"cardcredit/oracle"
)

const defaultConfig = "./creditctl.toml"

// fileConfig is the TOML bootstrap config: a flat struct decoded once per
// invocation.
type fileConfig struct {
	StorePath     string `toml:"StorePath"`
	IssuerAddress string `toml:"IssuerAddress"`
	AdminAddress  string `toml:"AdminAddress"`
	PricesFile    string `toml:"PricesFile"`
	// AdminKeystore and AdminPassphrase are an alternative to AdminAddress:
	// when set, the admin's address is derived from the decrypted signing
	// key rather than trusted verbatim from config, proving possession of
	// the key rather than just naming an address.
	AdminKeystore   string `toml:"AdminKeystore"`
	AdminPassphrase string `toml:"AdminPassphrase"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}
	command := args[0]
	rest := args[1:]

	var err error
	switch command {
	case "init-config":
		err = runInitConfig(rest)
	case "whitelist-token":
		err = runWhitelistToken(rest)
	case "set-oracle":
		err = runSetOracle(rest)
	case "pause":
		err = runPause(rest, true)
	case "unpause":
		err = runPause(rest, false)
	case "rotate-admin":
		err = runRotateAdmin(rest)
	case "inspect-position":
		err = runInspectPosition(rest)
	default:
		usage()
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}
	return 0
}

// exitCodeFor maps the credit package's error taxonomy onto the stable
// exit codes: 0 success, 2 validation error, 3 chain error, 4 auth error.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, credit.ErrUnauthorized):
		return 4
	case errors.Is(err, credit.ErrInvalidParameters):
		return 2
	default:
		return 3
	}
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("read config: %w", err)
	}
	if cfg.StorePath == "" {
		return fileConfig{}, fmt.Errorf("config %s missing StorePath", path)
	}
	return cfg, nil
}

func openEngine(cfg fileConfig) (*credit.Engine, *corestate.Store, *oracle.Gate, error) {
	store, err := corestate.Open(cfg.StorePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	adapter := oracle.NewMemoryAdapter()
	if cfg.PricesFile != "" {
		if err := loadPrices(adapter, cfg.PricesFile); err != nil {
			store.Close()
			return nil, nil, nil, err
		}
	}
	gate := oracle.NewGate(adapter, 0, 0)

	var issuer crypto.Address
	if cfg.IssuerAddress != "" {
		issuer, err = crypto.DecodeAddress(cfg.IssuerAddress)
		if err != nil {
			store.Close()
			return nil, nil, nil, fmt.Errorf("decode IssuerAddress: %w", err)
		}
	}
	return credit.NewEngine(store, gate, issuer), store, gate, nil
}

// priceEntry is the PricesFile's JSON schema: a static price snapshot a
// human operator curates for CLI-time valuation, since creditctl has no
// live connection to an oracle service of its own.
type priceEntry struct {
	AssetID       string `json:"assetId"`
	PriceRay      string `json:"priceRay"`
	ConfidenceBps uint16 `json:"confidenceBps"`
}

func loadPrices(adapter *oracle.MemoryAdapter, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read prices file: %w", err)
	}
	var entries []priceEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse prices file: %w", err)
	}
	now := time.Now().Unix()
	for _, e := range entries {
		priceRay, ok := new(big.Int).SetString(e.PriceRay, 10)
		if !ok {
			return fmt.Errorf("invalid priceRay for asset %q", e.AssetID)
		}
		adapter.Set(oracle.Quote{AssetID: e.AssetID, PriceRay: priceRay, PublishTSUnix: now, ConfidenceBps: e.ConfidenceBps})
	}
	return nil
}

func mustAdmin(cfg fileConfig) (crypto.Address, error) {
	if cfg.AdminKeystore != "" {
		passphrase := cfg.AdminPassphrase
		if passphrase == "" {
			var err error
			passphrase, err = promptPassphrase()
			if err != nil {
				return crypto.Address{}, err
			}
		}
		key, err := crypto.LoadFromKeystore(cfg.AdminKeystore, passphrase)
		if err != nil {
			return crypto.Address{}, fmt.Errorf("load admin keystore: %w", err)
		}
		return key.PubKey().Address(), nil
	}
	if cfg.AdminAddress == "" {
		return crypto.Address{}, fmt.Errorf("config missing AdminAddress or AdminKeystore")
	}
	return crypto.DecodeAddress(cfg.AdminAddress)
}

// promptPassphrase reads the keystore passphrase from the terminal with echo
// disabled. Scripted invocations must set AdminPassphrase in config instead.
func promptPassphrase() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("keystore passphrase required: set AdminPassphrase or run interactively")
	}
	fmt.Fprint(os.Stderr, "Keystore passphrase: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}

func runInitConfig(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "path to creditctl TOML config")
	ltvMax := fs.Uint64("ltv-max", 8_000, "global max LTV, bps")
	liqThreshold := fs.Uint64("liq-threshold", 8_500, "global liquidation threshold, bps")
	liqBonus := fs.Uint64("liq-bonus", 500, "global liquidation bonus, bps")
	interestBps := fs.Uint64("interest-bps", 1_000, "annual interest rate, bps")
	debtMint := fs.String("debt-mint", "", "address of the debt-denominating mint")
	reserveFactor := fs.Uint64("reserve-factor", 0, "protocol reserve factor, bps")
	protocolFee := fs.Uint64("protocol-fee", 0, "protocol fee, bps")
	developerFee := fs.Uint64("developer-fee", 0, "developer fee, bps")
	developerCollector := fs.String("developer-fee-collector", "", "address receiving the developer fee share")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	admin, err := mustAdmin(cfg)
	if err != nil {
		return err
	}
	engine, store, _, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var debtMintAddr crypto.Address
	if *debtMint != "" {
		debtMintAddr, err = crypto.DecodeAddress(*debtMint)
		if err != nil {
			return fmt.Errorf("%w: decode debt-mint: %v", credit.ErrInvalidParameters, err)
		}
	}

	var developerCollectorAddr crypto.Address
	if *developerCollector != "" {
		developerCollectorAddr, err = crypto.DecodeAddress(*developerCollector)
		if err != nil {
			return fmt.Errorf("%w: decode developer-fee-collector: %v", credit.ErrInvalidParameters, err)
		}
	}

	if err := engine.InitConfig(credit.InitConfigParams{
		Admin:                   admin,
		LTVMaxBps:               *ltvMax,
		LiquidationThresholdBps: *liqThreshold,
		LiquidationBonusBps:     *liqBonus,
		InterestRateBps:         *interestBps,
		DebtMint:                debtMintAddr,
		ReserveFactorBps:        *reserveFactor,
		ProtocolFeeBps:          *protocolFee,
		DeveloperFeeBps:         *developerFee,
		DeveloperFeeCollector:   developerCollectorAddr,
	}, time.Now().Unix()); err != nil {
		return err
	}
	fmt.Println("config initialized")
	return nil
}

func runWhitelistToken(args []string) error {
	fs := flag.NewFlagSet("whitelist-token", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "path to creditctl TOML config")
	ltv := fs.Uint64("ltv", 8_000, "max LTV for this mint, bps")
	liqThreshold := fs.Uint64("liq-threshold", 8_500, "liquidation threshold for this mint, bps")
	liqBonus := fs.Uint64("liq-bonus", 500, "liquidation bonus for this mint, bps")
	oracleRef := fs.String("oracle", "", "oracle price reference for this mint")
	decimals := fs.Uint("decimals", 6, "mint's base-unit decimals")
	enabled := fs.Bool("enabled", true, "whether deposits of this mint are accepted")
	fs.Parse(args)

	if fs.NArg() < 2 {
		return fmt.Errorf("%w: usage: whitelist-token <mint> <category>", credit.ErrInvalidParameters)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	admin, err := mustAdmin(cfg)
	if err != nil {
		return err
	}
	engine, store, _, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	mint, err := crypto.DecodeAddress(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("%w: decode mint: %v", credit.ErrInvalidParameters, err)
	}
	category, err := parseCategory(fs.Arg(1))
	if err != nil {
		return err
	}

	return engine.WhitelistToken(admin, credit.WhitelistParams{
		Mint:                    mint,
		Category:                category,
		Decimals:                uint8(*decimals),
		MaxLTVBps:               *ltv,
		LiquidationThresholdBps: *liqThreshold,
		LiquidationBonusBps:     *liqBonus,
		OracleRef:               *oracleRef,
		Enabled:                 *enabled,
	})
}

func parseCategory(s string) (corestate.Category, error) {
	switch s {
	case "native":
		return corestate.CategoryNative, nil
	case "liquid_staking":
		return corestate.CategoryLiquidStaking, nil
	case "stable":
		return corestate.CategoryStable, nil
	case "blue_chip":
		return corestate.CategoryBlueChip, nil
	case "memecoin":
		return corestate.CategoryMemecoin, nil
	case "lp_stable":
		return corestate.CategoryLPStable, nil
	case "lp_volatile":
		return corestate.CategoryLPVolatile, nil
	case "other":
		return corestate.CategoryOther, nil
	default:
		return 0, fmt.Errorf("%w: unknown category %q", credit.ErrInvalidParameters, s)
	}
}

func runSetOracle(args []string) error {
	fs := flag.NewFlagSet("set-oracle", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "path to creditctl TOML config")
	fs.Parse(args)

	if fs.NArg() < 2 {
		return fmt.Errorf("%w: usage: set-oracle <asset> <ref>", credit.ErrInvalidParameters)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	admin, err := mustAdmin(cfg)
	if err != nil {
		return err
	}
	engine, store, _, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	return engine.SetOracleRef(admin, fs.Arg(0), fs.Arg(1))
}

func runPause(args []string, pause bool) error {
	fs := flag.NewFlagSet("pause", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "path to creditctl TOML config")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	admin, err := mustAdmin(cfg)
	if err != nil {
		return err
	}
	engine, store, _, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if pause {
		if err := engine.Pause(admin); err != nil {
			return err
		}
		fmt.Println("protocol paused")
		return nil
	}
	if err := engine.Unpause(admin); err != nil {
		return err
	}
	fmt.Println("protocol unpaused")
	return nil
}

func runRotateAdmin(args []string) error {
	fs := flag.NewFlagSet("rotate-admin", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "path to creditctl TOML config")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("%w: usage: rotate-admin <new-admin>", credit.ErrInvalidParameters)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	admin, err := mustAdmin(cfg)
	if err != nil {
		return err
	}
	engine, store, _, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	newAdmin, err := crypto.DecodeAddress(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("%w: decode new admin: %v", credit.ErrInvalidParameters, err)
	}
	return engine.RotateAdmin(admin, newAdmin)
}

func runInspectPosition(args []string) error {
	fs := flag.NewFlagSet("inspect-position", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "path to creditctl TOML config")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("%w: usage: inspect-position <owner>", credit.ErrInvalidParameters)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	_, store, gate, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	owner, err := crypto.DecodeAddress(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("%w: decode owner: %v", credit.ErrInvalidParameters, err)
	}
	pos, err := store.GetPosition(owner)
	if err != nil {
		return err
	}
	chainCfg, err := store.GetConfig()
	if err != nil {
		return err
	}

	valuation, err := credit.ValuePosition(pos, chainCfg, credit.StoreLookup(context.Background(), store, gate, time.Now().Unix()))
	if err != nil {
		return err
	}
	fmt.Printf("owner: %s\n", owner.String())
	fmt.Printf("debt_principal: %s\n", pos.DebtPrincipal.String())
	fmt.Printf("collateral_value_usd_micro: %s\n", valuation.CollateralValueUSDMicro.String())
	fmt.Printf("current_debt_usd_micro: %s\n", valuation.CurrentDebtUSDMicro.String())
	fmt.Printf("available_credit_usd_micro: %s\n", valuation.AvailableCreditUSDMicro.String())
	if valuation.HealthFactorBps != nil {
		fmt.Printf("health_factor_bps: %s\n", valuation.HealthFactorBps.String())
	} else {
		fmt.Println("health_factor_bps: infinite")
	}
	fmt.Printf("reserve_balance_usd_micro: %s\n", chainCfg.ReserveBalanceUSDMicro.String())
	if chainCfg.SocializedLossFlag {
		fmt.Println("socialized_loss_flag: true")
	}
	return nil
}

func usage() {
	fmt.Println("creditctl <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init-config       Initialize the protocol singleton Config")
	fmt.Println("  whitelist-token   Add or update a collateral mint's risk parameters")
	fmt.Println("  set-oracle        Update an asset's oracle reference")
	fmt.Println("  pause             Pause all credit-engine instructions")
	fmt.Println("  unpause           Resume credit-engine instructions")
	fmt.Println("  rotate-admin      Transfer the admin principal")
	fmt.Println("  inspect-position  Print a position's derived valuation")
}
