package router

import (
	"net/http"

	"github.com/stampdeck/backend/internal/auth"
	"github.com/stampdeck/backend/internal/issuance"
	"github.com/stampdeck/backend/internal/middleware"
	"github.com/stampdeck/backend/internal/migration"
	"github.com/stampdeck/backend/internal/redemption"
	"github.com/stampdeck/backend/internal/store"
	"github.com/stampdeck/backend/internal/wallet"
)

// New returns an http.Handler serving the API under /api/v1.
//
// Three auth surfaces: public (store discovery, owner signup), wallet
// (X-Wallet-ID header, customer flows) and owner (JWT bearer, terminal
// flows). Request-creating wallet endpoints additionally go through the
// per-wallet rate limiter.
func New(
	authHandler *auth.Handler,
	storeHandler *store.Handler,
	walletHandler *wallet.Handler,
	issuanceHandler *issuance.Handler,
	redemptionHandler *redemption.Handler,
	migrationHandler *migration.Handler,
	validator middleware.TokenValidator,
	limiter *middleware.RateLimiter,
) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	asWallet := func(h http.HandlerFunc) http.Handler {
		return middleware.WalletAuth(h)
	}
	asWalletLimited := func(h http.HandlerFunc) http.Handler {
		return middleware.WalletAuth(limiter.Wrap(h))
	}
	ownerAuth := middleware.OwnerAuth(validator)
	asOwner := func(h http.HandlerFunc) http.Handler {
		return ownerAuth(h)
	}

	// Public
	mux.HandleFunc("POST "+base+"/auth/register", authHandler.Register)
	mux.HandleFunc("POST "+base+"/auth/login", authHandler.Login)
	mux.HandleFunc("GET "+base+"/stores/{storeID}", storeHandler.Get)
	mux.HandleFunc("GET "+base+"/stores/{storeID}/stamp-card", storeHandler.GetActiveCard)

	// Wallet: stamp earning
	mux.Handle("POST "+base+"/issuance-requests", asWalletLimited(issuanceHandler.Create))
	mux.Handle("GET "+base+"/issuance-requests/{id}", asWallet(issuanceHandler.Get))

	// Wallet: rewards and redemption
	mux.Handle("GET "+base+"/rewards", asWallet(redemptionHandler.ListRewards))
	mux.Handle("POST "+base+"/redeem-sessions", asWalletLimited(redemptionHandler.CreateSession))
	mux.Handle("GET "+base+"/redeem-sessions/{token}", asWallet(redemptionHandler.GetSession))

	// Wallet: paper card migration
	mux.Handle("POST "+base+"/migration-requests", asWalletLimited(migrationHandler.Submit))
	mux.Handle("GET "+base+"/migration-requests", asWallet(migrationHandler.ListMine))
	mux.Handle("POST "+base+"/migration-requests/{id}/cancel", asWallet(migrationHandler.Cancel))

	// Wallet: cards and history
	mux.Handle("GET "+base+"/wallet/cards", asWallet(walletHandler.ListCards))
	mux.Handle("GET "+base+"/wallet/cards/{id}", asWallet(walletHandler.GetCard))
	mux.Handle("GET "+base+"/wallet/cards/{id}/events", asWallet(walletHandler.ListCardEvents))

	// Owner: store management
	mux.Handle("POST "+base+"/stores", asOwner(storeHandler.Create))
	mux.Handle("GET "+base+"/stores", asOwner(storeHandler.ListMine))
	mux.Handle("POST "+base+"/stores/{storeID}/stamp-cards", asOwner(storeHandler.CreateStampCard))

	// Owner: terminal flows
	mux.Handle("GET "+base+"/stores/{storeID}/issuance-requests", asOwner(issuanceHandler.ListPending))
	mux.Handle("POST "+base+"/stores/{storeID}/issuance-requests/{id}/approve", asOwner(issuanceHandler.Approve))
	mux.Handle("POST "+base+"/stores/{storeID}/issuance-requests/{id}/reject", asOwner(issuanceHandler.Reject))
	mux.Handle("POST "+base+"/stores/{storeID}/redeem-sessions/{token}/complete", asOwner(redemptionHandler.Complete))
	mux.Handle("GET "+base+"/stores/{storeID}/migration-requests", asOwner(migrationHandler.ListOpen))
	mux.Handle("POST "+base+"/stores/{storeID}/migration-requests/{id}/approve", asOwner(migrationHandler.Approve))
	mux.Handle("POST "+base+"/stores/{storeID}/migration-requests/{id}/reject", asOwner(migrationHandler.Reject))

	// Owner: ledger corrections and audits
	mux.Handle("POST "+base+"/stores/{storeID}/cards/{cardID}/adjust", asOwner(storeHandler.AdjustCard))
	mux.Handle("GET "+base+"/stores/{storeID}/cards/{cardID}/reconcile", asOwner(storeHandler.ReconcileCard))

	return mux
}
