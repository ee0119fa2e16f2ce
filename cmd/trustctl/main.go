package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rivalapexmediation/trustlayer/sdk/go/trustlayer"
)

const usage = "usage: trustctl receipt verify --receipt <path> --keys <path> | trustctl proof verify --proof <path> --keys <path>"

func main() {
	if len(os.Args) < 3 {
		failSummary("", "", usage)
		os.Exit(2)
	}
	switch os.Args[1] + " " + os.Args[2] {
	case "receipt verify":
		runReceiptVerify(os.Args[3:])
	case "proof verify":
		runProofVerify(os.Args[3:])
	default:
		failSummary("", "", usage)
		os.Exit(2)
	}
}

func runReceiptVerify(args []string) {
	fs := flag.NewFlagSet("receipt verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	receiptPath := fs.String("receipt", "", "path to auction receipt json")
	keysPath := fs.String("keys", "", "path to public key export json")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*receiptPath) == "" || strings.TrimSpace(*keysPath) == "" {
		failSummary("", "", "both --receipt and --keys are required")
		os.Exit(2)
	}

	keys, err := loadKeys(*keysPath)
	if err != nil {
		failSummary("", "", err.Error())
		os.Exit(1)
	}
	receiptBytes, err := os.ReadFile(*receiptPath)
	if err != nil {
		failSummary("", "", "read receipt failed: "+err.Error())
		os.Exit(1)
	}
	var rec trustlayer.AuctionReceipt
	if err := json.Unmarshal(receiptBytes, &rec); err != nil {
		failSummary("", "", "invalid receipt json: "+err.Error())
		os.Exit(1)
	}

	if err := trustlayer.VerifyAuctionReceipt(rec, keys); err != nil {
		failSummary(rec.AuctionID, rec.IntegrityKeyID, err.Error())
		os.Exit(1)
	}
	passSummary(rec.AuctionID, rec.IntegrityKeyID)
}

func runProofVerify(args []string) {
	fs := flag.NewFlagSet("proof verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	proofPath := fs.String("proof", "", "path to revenue proof json")
	keysPath := fs.String("keys", "", "path to public key export json")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*proofPath) == "" || strings.TrimSpace(*keysPath) == "" {
		failSummary("", "", "both --proof and --keys are required")
		os.Exit(2)
	}

	keys, err := loadKeys(*keysPath)
	if err != nil {
		failSummary("", "", err.Error())
		os.Exit(1)
	}
	proofBytes, err := os.ReadFile(*proofPath)
	if err != nil {
		failSummary("", "", "read proof failed: "+err.Error())
		os.Exit(1)
	}
	var proof trustlayer.RevenueProof
	if err := json.Unmarshal(proofBytes, &proof); err != nil {
		failSummary("", "", "invalid proof json: "+err.Error())
		os.Exit(1)
	}

	subject := proof.PublisherID + " " + proof.PeriodStart.Format("2006-01-02")
	if err := trustlayer.VerifyRevenueProof(proof, keys); err != nil {
		failSummary(subject, proof.KeyID, err.Error())
		os.Exit(1)
	}
	passSummary(subject, proof.KeyID)
}

func loadKeys(path string) (*trustlayer.KeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keys failed: %w", err)
	}
	// The export endpoint wraps the array in {"keys": [...]}; accept both
	// the wrapped and bare forms.
	var wrapped struct {
		Keys json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Keys) > 0 {
		data = wrapped.Keys
	}
	return trustlayer.ParseKeySet(data)
}

func passSummary(subject, keyID string) {
	fmt.Printf("{\"status\":\"PASS\",\"subject\":%s,\"key_id\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(subject),
		jsonQuote(keyID),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func failSummary(subject, keyID, reason string) {
	fmt.Printf("{\"status\":\"FAIL\",\"subject\":%s,\"key_id\":%s,\"reason\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(subject),
		jsonQuote(keyID),
		jsonQuote(reason),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func jsonQuote(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}
