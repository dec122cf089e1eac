package service

import (
	"context"

	"github.com/fitplan/subsync/internal/domain"
)

// ResolutionSource tags which tier identified the user.
type ResolutionSource string

const (
	ResolvedFromMetadata       ResolutionSource = "metadata"
	ResolvedFromCustomerLookup ResolutionSource = "customer_lookup"
	Unresolved                 ResolutionSource = "none"
)

// Resolution is the outcome of a user lookup.
type Resolution struct {
	UserID string
	Source ResolutionSource
}

// UserResolver maps a provider object to an internal user: embedded metadata
// first, then the customer directory.
type UserResolver struct {
	customers CustomerDirectory
}

func NewUserResolver(customers CustomerDirectory) *UserResolver {
	return &UserResolver{customers: customers}
}

// Resolve returns Unresolved with a nil error when no tier knows the user.
// A directory failure is returned as a retryable error.
func (r *UserResolver) Resolve(ctx context.Context, metadataUserID, customerID string) (Resolution, error) {
	if metadataUserID != "" {
		return Resolution{UserID: metadataUserID, Source: ResolvedFromMetadata}, nil
	}
	if customerID == "" || r.customers == nil {
		return Resolution{Source: Unresolved}, nil
	}
	userID, err := r.customers.LookupUser(ctx, customerID)
	if err != nil {
		return Resolution{Source: Unresolved}, domain.ErrUnavailable("customer directory unavailable", err)
	}
	if userID == "" {
		return Resolution{Source: Unresolved}, nil
	}
	return Resolution{UserID: userID, Source: ResolvedFromCustomerLookup}, nil
}

// Remember links customerID to userID so later events without metadata resolve.
func (r *UserResolver) Remember(ctx context.Context, customerID, userID string) error {
	if r.customers == nil || customerID == "" || userID == "" {
		return nil
	}
	return r.customers.Link(ctx, customerID, userID)
}
