package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kr/text"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/LovationAdmin/bank-aggregator/config"
	"github.com/LovationAdmin/bank-aggregator/models"
	"github.com/LovationAdmin/bank-aggregator/services"
	"github.com/LovationAdmin/bank-aggregator/utils"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "schema":
		runSchema(os.Args[2:])
		return
	case "seal":
		runSeal()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	case "connections", "accounts", "transactions", "balances":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "❌ configuration:", err)
		os.Exit(1)
	}
	utils.IsProduction = cfg.Settings.Production
	log := utils.NewLogger(nil, cfg.Settings.LogLevel)

	registry := services.DefaultRegistry(services.AdapterOptions{
		Retry:             services.RetryPolicy{Delays: cfg.Settings.RetryDelays},
		RequestsPerMinute: cfg.Settings.RequestsPerMinute,
	})
	agg := services.NewAggregator(cfg.Connections, registry, services.NewCache(), services.Options{
		Concurrency: cfg.Settings.Concurrency,
		Timeout:     cfg.Settings.Timeout,
		Logger:      &log,
	})

	ctx := utils.WithLogger(context.Background(), log)
	switch os.Args[1] {
	case "connections":
		runConnections(agg)
	case "accounts":
		runAccounts(ctx, log, agg, os.Args[2:])
	case "transactions":
		runTransactions(ctx, log, agg, os.Args[2:])
	case "balances":
		runBalances(ctx, log, agg, os.Args[2:])
	}
}

func printUsage() {
	fmt.Println("Bank Aggregator CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  bank-aggregator <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  connections   List configured connections")
	fmt.Println("  accounts      List accounts (-connection ID)")
	fmt.Println("  transactions  List transactions (-connection, -account, -from, -to, -min, -max, -type, -limit)")
	fmt.Println("  balances      Show balances (-connection, -account)")
	fmt.Println("  schema        Describe the configuration fields of a provider (-provider NAME)")
	fmt.Println("  seal          Encrypt a secret read from stdin for use in a config file")
	fmt.Println("  help          Show this help message")
	fmt.Println("\nConnections come from BANKFEED_CONFIG or the provider environment variables.")
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, "❌ encode output:", err)
		os.Exit(1)
	}
}

func runConnections(agg *services.Aggregator) {
	type row struct {
		ID       string `json:"id"`
		Label    string `json:"label,omitempty"`
		Provider string `json:"provider"`
	}
	var rows []row
	for _, c := range agg.Connections() {
		rows = append(rows, row{ID: c.ID, Label: c.Label, Provider: c.Provider})
	}
	printJSON(rows)
}

func runAccounts(ctx context.Context, log zerolog.Logger, agg *services.Aggregator, args []string) {
	fs := flag.NewFlagSet("accounts", flag.ExitOnError)
	connection := fs.String("connection", "", "Connection id (default: all)")
	fs.Parse(args)

	result, err := agg.ListAccounts(ctx, *connection)
	if err != nil {
		log.Fatal().Err(err).Msg("Listing accounts failed")
	}
	printJSON(result)
}

func runTransactions(ctx context.Context, log zerolog.Logger, agg *services.Aggregator, args []string) {
	fs := flag.NewFlagSet("transactions", flag.ExitOnError)
	connection := fs.String("connection", "", "Connection id (default: all)")
	account := fs.String("account", "", "Account uid (default: all)")
	from := fs.String("from", "", "First day, YYYY-MM-DD")
	to := fs.String("to", "", "Last day, YYYY-MM-DD")
	minAmount := fs.String("min", "", "Minimum absolute amount")
	maxAmount := fs.String("max", "", "Maximum absolute amount")
	txType := fs.String("type", "", "debit or credit")
	limit := fs.Int("limit", 0, "Maximum number of transactions")
	fs.Parse(args)

	filter, err := buildFilter(*from, *to, *minAmount, *maxAmount, *txType, *limit)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid filter")
	}

	result, err := agg.ListTransactions(ctx, models.Query{ConnectionID: *connection, AccountID: *account, Filter: filter})
	if err != nil {
		log.Fatal().Err(err).Msg("Listing transactions failed")
	}
	printJSON(result)
}

func runBalances(ctx context.Context, log zerolog.Logger, agg *services.Aggregator, args []string) {
	fs := flag.NewFlagSet("balances", flag.ExitOnError)
	connection := fs.String("connection", "", "Connection id (default: all)")
	account := fs.String("account", "", "Account uid (default: all)")
	fs.Parse(args)

	result, err := agg.GetBalances(ctx, *connection, *account)
	if err != nil {
		log.Fatal().Err(err).Msg("Fetching balances failed")
	}
	printJSON(result)
}

func buildFilter(from, to, minAmount, maxAmount, txType string, limit int) (*models.Filter, error) {
	f := &models.Filter{Limit: limit}
	if from != "" {
		d, err := models.ParseDate(from)
		if err != nil {
			return nil, fmt.Errorf("-from: %w", err)
		}
		f.DateFrom = &d
	}
	if to != "" {
		d, err := models.ParseDate(to)
		if err != nil {
			return nil, fmt.Errorf("-to: %w", err)
		}
		f.DateTo = &d
	}
	if minAmount != "" {
		d, err := decimal.NewFromString(minAmount)
		if err != nil {
			return nil, fmt.Errorf("-min: %w", err)
		}
		f.AmountMin = &d
	}
	if maxAmount != "" {
		d, err := decimal.NewFromString(maxAmount)
		if err != nil {
			return nil, fmt.Errorf("-max: %w", err)
		}
		f.AmountMax = &d
	}
	switch t := models.TransactionType(strings.ToLower(txType)); t {
	case "":
	case models.Debit, models.Credit:
		f.Type = &t
	default:
		return nil, fmt.Errorf("-type must be debit or credit, got %q", txType)
	}
	return f, nil
}

func runSchema(args []string) {
	fs := flag.NewFlagSet("schema", flag.ExitOnError)
	provider := fs.String("provider", "", "Provider name (default: all)")
	fs.Parse(args)

	registry := services.DefaultRegistry(services.AdapterOptions{})
	names := registry.Names()
	if *provider != "" {
		if _, ok := registry.Get(*provider); !ok {
			fmt.Fprintf(os.Stderr, "Unknown provider: %s (known: %s)\n", *provider, strings.Join(names, ", "))
			os.Exit(1)
		}
		names = []string{*provider}
	}

	for _, name := range names {
		p, _ := registry.Get(name)
		fmt.Printf("%s\n", name)
		for _, field := range p.ConfigSchema() {
			flags := []string{}
			if field.Required {
				flags = append(flags, "required")
			}
			if field.Secret {
				flags = append(flags, "secret")
			}
			line := "  " + field.Name
			if len(flags) > 0 {
				line += " (" + strings.Join(flags, ", ") + ")"
			}
			fmt.Println(line)
			fmt.Println(text.Indent(text.Wrap(field.Description, 68), "      "))
		}
		fmt.Println()
	}
}

// runSeal prints "enc:..." for the secret on stdin, using BANKFEED_ENCRYPTION_KEY.
func runSeal() {
	key, err := utils.EncryptionKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "❌ read stdin:", err)
		os.Exit(1)
	}
	secret := strings.TrimRight(string(raw), "\r\n")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "❌ nothing to seal")
		os.Exit(1)
	}
	sealed, err := utils.Seal(key, secret)
	if err != nil {
		fmt.Fprintln(os.Stderr, "❌ seal:", err)
		os.Exit(1)
	}
	fmt.Println(sealed)
}
