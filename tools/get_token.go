package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
)

// Obtains the OAuth2 refresh token needed to register a gmail mailbox.
func main() {
	clientID := os.Getenv("GMAIL_CLIENT_ID")
	clientSecret := os.Getenv("GMAIL_CLIENT_SECRET")

	if clientID == "" || clientSecret == "" {
		log.Fatal("Please set GMAIL_CLIENT_ID and GMAIL_CLIENT_SECRET environment variables")
	}

	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{gmail.GmailModifyScope},
		Endpoint:     google.Endpoint,
		RedirectURL:  "http://localhost:8080/callback",
	}

	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Go to the following link in your browser: %v\n", authURL)
	fmt.Println("\nAfter authorization, you'll be redirected to a URL. Copy the 'code' parameter from that URL.")

	var authCode string
	fmt.Print("\nEnter the authorization code: ")
	fmt.Scan(&authCode)

	tok, err := config.Exchange(context.Background(), authCode)
	if err != nil {
		log.Fatalf("Unable to retrieve token from web: %v", err)
	}

	fmt.Printf("\nRefresh Token: %s\n", tok.RefreshToken)
	fmt.Printf("Expiry: %v\n", tok.Expiry)

	fmt.Println("\nRegister the mailbox with these credentials:")
	fmt.Println(`curl -X POST http://localhost:8080/api/v1/accounts -H 'Content-Type: application/json' -d '{`)
	fmt.Println(`  "owner_email": "you@example.com",`)
	fmt.Println(`  "address": "you@gmail.com",`)
	fmt.Println(`  "provider": "gmail",`)
	fmt.Printf("  \"gmail_client_id\": %q,\n", clientID)
	fmt.Printf("  \"gmail_client_secret\": %q,\n", clientSecret)
	fmt.Printf("  \"gmail_refresh_token\": %q\n", tok.RefreshToken)
	fmt.Println(`}'`)
}
