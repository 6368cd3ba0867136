// contact-qr prints this device's contact card: the compact ec1 string and
// a terminal QR code a peer can scan to import the contact.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/katzenpost/qrterminal"

	"enclave-chat/go-node/internal/proto"
	"enclave-chat/go-node/internal/storage"
	"enclave-chat/go-node/pkg/models"
)

func main() {
	dataDir := flag.String("data-dir", "data", "Directory holding the node's sealed store")
	pin := flag.String("pin", "", "Store PIN when PIN protection is enabled")
	textOnly := flag.Bool("text-only", false, "print only the ec1 string, no QR render")
	flag.Parse()

	passphrase, err := storage.ResolveMasterPassphrase(*dataDir, *pin)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	bundle, err := storage.OpenBundle(*dataDir, passphrase)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	self, ok, err := bundle.Identities.ActiveIdentity()
	if err != nil || !ok {
		log.Fatal("no identity yet; run enclave-node once first")
	}
	if self.Onion == "" {
		log.Fatal("identity has no published onion yet; wait for the node to reach Ready")
	}

	card, err := proto.EncodeEC1(self.Fingerprint, self.Onion, self.PublicKey)
	if err != nil {
		log.Fatalf("encode contact card: %v", err)
	}

	fmt.Printf("fingerprint: %s\n", self.Fingerprint)
	fmt.Printf("short code:  %s\n", models.ShortCode(self.Fingerprint))
	fmt.Printf("onion:       %s\n\n", self.Onion)
	fmt.Println(card)
	if !*textOnly {
		fmt.Println()
		qrterminal.GenerateWithConfig(card, qrterminal.Config{
			Level:      qrterminal.L,
			Writer:     os.Stdout,
			HalfBlocks: true,
			QuietZone:  1,
		})
	}
}
