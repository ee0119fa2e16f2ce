package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rivalapexmediation/trustlayer/sdk/go/trustlayer"
)

func main() {
	keysPath := getenv("TRUST_KEYS_PATH", "keys.json")
	receiptPath := getenv("TRUST_RECEIPT_PATH", "receipt.json")

	keysBytes, err := os.ReadFile(keysPath)
	if err != nil {
		panic(err)
	}
	keys, err := trustlayer.ParseKeySet(keysBytes)
	if err != nil {
		panic(err)
	}

	receiptBytes, err := os.ReadFile(receiptPath)
	if err != nil {
		panic(err)
	}
	var rec trustlayer.AuctionReceipt
	if err := json.Unmarshal(receiptBytes, &rec); err != nil {
		panic(err)
	}

	if err := trustlayer.VerifyAuctionReceipt(rec, keys); err != nil {
		fmt.Println("receipt verification FAILED:", err)
		os.Exit(1)
	}
	fmt.Printf("receipt %s verified (winner %s at %s %s)\n",
		rec.AuctionID, rec.WinnerSource, rec.WinnerGrossPrice, rec.WinnerCurrency)
}

func getenv(k, d string) string {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	return v
}
