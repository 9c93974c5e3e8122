// Package model contains domain models passed between layers.
package model

import (
	"time"

	"github.com/okian/coinledger/internal/domain/account"
)

// Kind names the ledger operation a delivery asks for.
type Kind string

// Delivery kinds.
const (
	KindStart      Kind = "start"
	KindClaimTask  Kind = "claim_task"
	KindClaimDaily Kind = "claim_daily"
	KindPurchase   Kind = "purchase"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindStart, KindClaimTask, KindClaimDaily, KindPurchase:
		return true
	default:
		return false
	}
}

// Delivery is one inbound webhook update waiting to be applied.
type Delivery struct {
	ID         string          // webhook update id, used for deduplication
	Kind       Kind            // operation to run
	Profile    account.Profile // sender snapshot
	Argument   string          // referral code, task id or feature name
	ReceivedAt time.Time
}
