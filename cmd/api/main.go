package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"escrowflow/audit"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/wallet"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	walletSvc := wallet.NewService(wallet.NewRepository(pool))
	if _, err := walletSvc.Custody(ctx); err != nil {
		log.Fatalf("custody account missing; apply migrations: %v", err)
	}

	identitySvc := identity.NewService(identity.NewRepository(pool), jwtSecret)
	ledger := escrow.NewService(pool, escrow.NewRepository(pool), walletSvc)
	auditSvc := audit.NewService(audit.NewRepository(pool))

	server := &Server{
		identityService: identitySvc,
		ledger:          ledger,
		auditService:    auditSvc,
		walletService:   walletSvc,
	}

	addr := os.Getenv("API_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	log.Printf("escrow api listening on %s", addr)
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
