// Command apikey manages tenant API keys and plan tiers directly in the
// gateway database, and can push an event to a tenant's webhooks.
//
//	apikey create -user <id> -name <name> [-test] [-expires 720h]
//	apikey list   -user <id>
//	apikey revoke -user <id> -id <key id>
//	apikey plan   -user <id> -tier <free|starter|pro|enterprise>
//	apikey emit   -user <id> -event <type> [-feed <id>] [-collection <id>] [-data '{"k":"v"}']
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/bcnelson/feedgate/internal/auth"
	"github.com/bcnelson/feedgate/internal/config"
	"github.com/bcnelson/feedgate/internal/domain"
	"github.com/bcnelson/feedgate/internal/storage"
	"github.com/bcnelson/feedgate/internal/storage/sql"
	"github.com/bcnelson/feedgate/internal/validation"
	"github.com/bcnelson/feedgate/internal/webhook"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store, err := sql.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "create":
		err = create(ctx, store, args)
	case "list":
		err = list(ctx, store, args)
	case "revoke":
		err = revoke(ctx, store, args)
	case "plan":
		err = plan(ctx, store, args)
	case "emit":
		err = emit(ctx, store, cfg.Webhook, args)
	default:
		usage()
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: apikey <create|list|revoke|plan|emit> [flags]")
	os.Exit(2)
}

func create(ctx context.Context, store storage.APIKeyStore, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	user := fs.String("user", "", "tenant id")
	name := fs.String("name", "", "key name")
	test := fs.Bool("test", false, "mint an sk_test_ key")
	expires := fs.String("expires", "", "lifetime, e.g. 720h")
	fs.Parse(args)

	if *user == "" {
		return fmt.Errorf("-user is required")
	}
	if err := validation.ValidateKeyName(*name); err != nil {
		return err
	}
	ttl, err := validation.ParseExpiresIn(*expires)
	if err != nil {
		return err
	}

	gen, err := auth.GenerateKey(*test)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	key := &domain.APIKey{
		ID:        uuid.New().String(),
		UserID:    *user,
		Name:      *name,
		KeyHash:   gen.Hash,
		KeyPrefix: gen.Prefix,
		IsActive:  true,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}
	if err := store.CreateAPIKey(ctx, key); err != nil {
		return err
	}

	fmt.Printf("id:  %s\nkey: %s\n", key.ID, gen.Raw)
	fmt.Fprintln(os.Stderr, "The key is shown only once.")
	return nil
}

func list(ctx context.Context, store storage.APIKeyStore, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	user := fs.String("user", "", "tenant id")
	fs.Parse(args)

	if *user == "" {
		return fmt.Errorf("-user is required")
	}
	keys, err := store.ListAPIKeys(ctx, *user)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPREFIX\tNAME\tACTIVE\tEXPIRES\tLAST USED")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", k.ID, k.KeyPrefix, k.Name, k.IsActive, fmtTime(k.ExpiresAt), fmtTime(k.LastUsedAt))
	}
	return tw.Flush()
}

func revoke(ctx context.Context, store storage.APIKeyStore, args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	user := fs.String("user", "", "tenant id")
	id := fs.String("id", "", "key id")
	fs.Parse(args)

	if *user == "" || *id == "" {
		return fmt.Errorf("-user and -id are required")
	}
	return store.RevokeAPIKey(ctx, *user, *id)
}

func plan(ctx context.Context, store storage.PlanStore, args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	user := fs.String("user", "", "tenant id")
	tierName := fs.String("tier", "", "plan tier")
	fs.Parse(args)

	if *user == "" {
		return fmt.Errorf("-user is required")
	}
	tier, err := domain.ParsePlanTier(*tierName)
	if err != nil {
		return err
	}
	return store.SetTenantPlan(ctx, &domain.TenantPlan{UserID: *user, Tier: tier})
}

func emit(ctx context.Context, store storage.WebhookStore, cfg config.WebhookConfig, args []string) error {
	fs := flag.NewFlagSet("emit", flag.ExitOnError)
	user := fs.String("user", "", "tenant id")
	event := fs.String("event", "", "event type")
	feed := fs.String("feed", "", "feed id")
	collection := fs.String("collection", "", "collection id")
	data := fs.String("data", "{}", "event data as a JSON object")
	fs.Parse(args)

	if *user == "" {
		return fmt.Errorf("-user is required")
	}
	if err := validation.ValidateEventTypes([]string{*event}); err != nil {
		return err
	}
	var payload domain.EventData
	if err := json.Unmarshal([]byte(*data), &payload); err != nil {
		return fmt.Errorf("parsing -data: %w", err)
	}

	dispatcher := webhook.NewDispatcher(store, webhook.NewRegistry(store, cfg.FailureThreshold), nil, cfg.Dispatch(), nil, nil)
	summary := dispatcher.Emit(ctx, *event, domain.EventFilter{
		UserID:       *user,
		FeedID:       *feed,
		CollectionID: *collection,
	}, payload)

	fmt.Printf("matched: %d  delivered: %d  failed: %d\n", summary.Matched, summary.Delivered, summary.Failed)
	return nil
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
