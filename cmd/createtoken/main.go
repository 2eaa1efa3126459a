package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/chronicle-app/chronicle-backend/internal/auth"
)

func main() {
	userID := flag.String("user", "", "user id (generated if empty)")
	email := flag.String("email", "", "user email")
	clientID := flag.String("client", "", "device client id (generated if empty)")
	flag.Parse()

	if *email == "" {
		fmt.Fprintln(os.Stderr, "usage: createtoken -email user@example.com [-user id] [-client id]")
		os.Exit(1)
	}
	if *userID == "" {
		*userID = uuid.New().String()
	}
	if *clientID == "" {
		*clientID = uuid.New().String()
	}

	// Use the same secret as the backend
	secret := os.Getenv("CHRONICLE_JWT_SECRET")
	if secret == "" {
		secret = "change-me-in-production"
	}

	token, err := auth.NewService(secret).GenerateDeviceToken(*userID, *email, *clientID)
	if err != nil {
		log.Fatal("Failed to generate token:", err)
	}

	fmt.Printf("Device token for %s (client %s):\n", *email, *clientID)
	fmt.Println(token)
	fmt.Println("\nConnect the audio stream with:")
	fmt.Printf("wscat -c 'ws://localhost:8000/ws/audio?token=%s'\n", token)
}
