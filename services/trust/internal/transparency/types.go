package transparency

import (
	"time"

	"github.com/shopspring/decimal"
)

// CandidateStatus is the normalized outcome of a single bidder in an
// auction.
type CandidateStatus string

const (
	StatusWin     CandidateStatus = "win"
	StatusLose    CandidateStatus = "lose"
	StatusTimeout CandidateStatus = "timeout"
	StatusError   CandidateStatus = "error"
)

// AuctionRequest is the producer-supplied view of the original bid request.
type AuctionRequest struct {
	RequestID   string
	PublisherID string
	AppOrSiteID string
	PlacementID string
	SurfaceType string
	DeviceOS    string
	DeviceGeo   string
	TCFString   string
	USPrivacy   string
	COPPA       bool
}

// BidCandidate is one bidder's response within an auction.
type BidCandidate struct {
	Source         string
	BidEcpm        decimal.Decimal
	Currency       string
	ResponseTimeMs int
	Status         CandidateStatus
	Metadata       map[string]string
}

// AuctionResult is the auction outcome handed to the writer by the bidding
// engine.
type AuctionResult struct {
	Winner     *BidCandidate
	GrossPrice decimal.Decimal
	Reason     string
	Candidates []BidCandidate
}

// AuctionRecord is the persisted parent row, including the integrity
// envelope fields a verifier needs.
type AuctionRecord struct {
	AuctionID          string          `json:"auction_id"`
	Timestamp          time.Time       `json:"timestamp"`
	PublisherID        string          `json:"publisher_id"`
	AppOrSiteID        string          `json:"app_or_site_id"`
	PlacementID        string          `json:"placement_id"`
	SurfaceType        string          `json:"surface_type"`
	DeviceOS           string          `json:"device_os"`
	DeviceGeo          string          `json:"device_geo"`
	TCFString          string          `json:"tcf_string"`
	USPrivacy          string          `json:"us_privacy"`
	COPPA              bool            `json:"coppa"`
	WinnerSource       string          `json:"winner_source"`
	WinnerBidEcpm      decimal.Decimal `json:"winner_bid_ecpm"`
	WinnerGrossPrice   decimal.Decimal `json:"winner_gross_price"`
	WinnerCurrency     string          `json:"winner_currency"`
	WinnerReason       string          `json:"winner_reason"`
	FeeBps             int             `json:"fee_bps"`
	SampleBps          int             `json:"sample_bps"`
	EffectiveShare     decimal.Decimal `json:"effective_share"`
	IntegrityAlgo      string          `json:"integrity_algo"`
	IntegrityKeyID     string          `json:"integrity_key_id"`
	IntegritySignature string          `json:"integrity_signature"`
}

// CandidateRecord is one persisted bidder row belonging to a parent auction
// record. Unbounded bidder metadata is reduced to a hash.
type CandidateRecord struct {
	AuctionID      string          `json:"auction_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Source         string          `json:"source"`
	BidEcpm        decimal.Decimal `json:"bid_ecpm"`
	Currency       string          `json:"currency"`
	ResponseTimeMs int             `json:"response_time_ms"`
	Status         CandidateStatus `json:"status"`
	MetadataHash   string          `json:"metadata_hash"`
}
