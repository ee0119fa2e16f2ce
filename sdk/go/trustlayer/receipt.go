package trustlayer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rivalapexmediation/trustlayer/pkg/canonical"
	"github.com/rivalapexmediation/trustlayer/pkg/signature"
)

// AuctionReceipt is the persisted auction record as served by the platform.
// Amount fields are decimal strings.
type AuctionReceipt struct {
	AuctionID          string    `json:"auction_id"`
	Timestamp          time.Time `json:"timestamp"`
	PublisherID        string    `json:"publisher_id"`
	AppOrSiteID        string    `json:"app_or_site_id"`
	PlacementID        string    `json:"placement_id"`
	SurfaceType        string    `json:"surface_type"`
	WinnerSource       string    `json:"winner_source"`
	WinnerBidEcpm      string    `json:"winner_bid_ecpm"`
	WinnerGrossPrice   string    `json:"winner_gross_price"`
	WinnerCurrency     string    `json:"winner_currency"`
	FeeBps             int       `json:"fee_bps"`
	SampleBps          int       `json:"sample_bps"`
	IntegrityAlgo      string    `json:"integrity_algo"`
	IntegrityKeyID     string    `json:"integrity_key_id"`
	IntegritySignature string    `json:"integrity_signature"`
}

// receiptPayload is the signed field set of a receipt. It must match the
// platform's canonical receipt layout exactly.
type receiptPayload struct {
	AuctionID        string `json:"auction_id"`
	Timestamp        int64  `json:"timestamp_ms"`
	PublisherID      string `json:"publisher_id"`
	AppOrSiteID      string `json:"app_or_site_id"`
	PlacementID      string `json:"placement_id"`
	SurfaceType      string `json:"surface_type"`
	WinnerSource     string `json:"winner_source"`
	WinnerBidEcpm    string `json:"winner_bid_ecpm"`
	WinnerGrossPrice string `json:"winner_gross_price"`
	WinnerCurrency   string `json:"winner_currency"`
	FeeBps           int    `json:"fee_bps"`
	SampleBps        int    `json:"sample_bps"`
}

// VerifyAuctionReceipt checks a receipt's integrity signature against the
// key export. A nil error means the receipt content is exactly what the
// platform signed.
func VerifyAuctionReceipt(rec AuctionReceipt, keys *KeySet) error {
	if !strings.EqualFold(rec.IntegrityAlgo, signature.AlgorithmEd25519) {
		return fmt.Errorf("trustlayer: unsupported integrity algorithm %q", rec.IntegrityAlgo)
	}
	pub, err := keys.Lookup(rec.IntegrityKeyID)
	if err != nil {
		return err
	}

	payload := receiptPayload{
		AuctionID:        rec.AuctionID,
		Timestamp:        rec.Timestamp.UnixMilli(),
		PublisherID:      rec.PublisherID,
		AppOrSiteID:      rec.AppOrSiteID,
		PlacementID:      rec.PlacementID,
		SurfaceType:      rec.SurfaceType,
		WinnerSource:     rec.WinnerSource,
		WinnerBidEcpm:    rec.WinnerBidEcpm,
		WinnerGrossPrice: rec.WinnerGrossPrice,
		WinnerCurrency:   rec.WinnerCurrency,
		FeeBps:           rec.FeeBps,
		SampleBps:        rec.SampleBps,
	}
	hashHex, _, err := canonical.SumObject(payload)
	if err != nil {
		return fmt.Errorf("trustlayer: canonicalizing receipt: %w", err)
	}
	digest, err := hex.DecodeString(hashHex)
	if err != nil {
		return errors.New("trustlayer: invalid receipt digest")
	}
	if err := signature.VerifyDigest(digest, rec.IntegritySignature, pub); err != nil {
		return fmt.Errorf("trustlayer: receipt signature invalid: %w", err)
	}
	return nil
}
