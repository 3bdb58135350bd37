// tokengen mints credentials for the remote-access platform: device_auth
// tokens handed to agents and user tokens for the REST surface.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"labgate/internal/token"
)

func main() {
	deviceID := flag.String("device-id", "", "device identity to bind the token to")
	gatewayID := flag.String("gateway-id", "", "gateway identity to bind the token to")
	userID := flag.String("user", "", "mint a user token for this user id instead")
	expiry := flag.Int("expiry", 30, "token lifetime in days")
	secret := flag.String("secret", "", "signing secret (defaults to JWT_SECRET_KEY)")
	flag.Parse()

	godotenv.Load()

	signingSecret := *secret
	if signingSecret == "" {
		signingSecret = os.Getenv("JWT_SECRET_KEY")
	}
	if signingSecret == "" {
		log.Fatal("no signing secret: pass -secret or set JWT_SECRET_KEY")
	}

	cfg := token.Config{
		Secret: signingSecret,
		Expiry: time.Duration(*expiry) * 24 * time.Hour,
		Issuer: "labgate",
	}

	if *userID != "" {
		minted, err := token.MintUserToken(*userID, cfg)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(minted)
		return
	}

	if *deviceID == "" || *gatewayID == "" {
		log.Fatal("device tokens need -device-id and -gateway-id")
	}
	minted, err := token.MintDeviceToken(*deviceID, *gatewayID, cfg)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(minted)
}
