package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"b2cauth/directory"
)

// Creates batches of local-account members in the directory, for seeding
// test tenants. Each member gets a generated BM_ prefixed name and a
// matching @bm.com sign-in address.
func main() {
	count := flag.Int("count", 10, "Number of members to create")
	tenant := flag.String("tenant", "", "Directory tenant")
	clientID := flag.String("client-id", os.Getenv("B2CAUTH_PROVIDER_ADMIN_CLIENT_ID"), "Admin application client id")
	clientSecret := flag.String("client-secret", os.Getenv("B2CAUTH_PROVIDER_ADMIN_CLIENT_SECRET"), "Admin application client secret")
	tokenURL := flag.String("token-url", "", "Client-credential token endpoint (derived from tenant when empty)")
	baseURL := flag.String("base-url", directory.DefaultBaseURL, "Directory API base URL")
	password := flag.String("password", "", "Password for created members (generated when empty)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if *tenant == "" || *clientID == "" || *clientSecret == "" {
		log.Fatal("tenant, client-id, and client-secret are required")
	}
	if *count < 1 {
		log.Fatal("count must be at least 1")
	}

	endpoint := *tokenURL
	if endpoint == "" {
		endpoint = "https://login.microsoftonline.com/" + *tenant + "/oauth2/token"
	}

	client, err := directory.New(directory.Config{
		Tenant:            *tenant,
		AdminClientID:     *clientID,
		AdminClientSecret: *clientSecret,
		TokenURL:          endpoint,
		BaseURL:           *baseURL,
	}, logger)
	if err != nil {
		log.Fatalf("init directory client: %v", err)
	}

	pass := *password
	if pass == "" {
		pass = "Bm!" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
		logger.Info("generated member password", "password", pass)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*count)*10*time.Second)
	defer cancel()

	created := 0
	for i := 0; i < *count; i++ {
		id := fmt.Sprintf("BM_%d%s", i, strings.ReplaceAll(uuid.NewString(), "-", ""))
		email := id + "@bm.com"

		payload := map[string]any{
			"accountEnabled": true,
			"creationType":   "LocalAccount",
			"displayName":    id,
			"passwordProfile": map[string]any{
				"password":                     pass,
				"forceChangePasswordNextLogin": false,
			},
			"signInNames": []map[string]string{
				{"type": "emailAddress", "value": email},
			},
		}

		if _, err := client.Post(ctx, "/users", payload); err != nil {
			logger.Error("create member failed", "name", id, "error", err)
			continue
		}
		created++
		logger.Info("member created", "name", id, "email", email)
	}

	logger.Info("done", "created", created, "requested", *count)
	if created < *count {
		os.Exit(1)
	}
}
