// Command smoke-lending drives a running biblio gRPC endpoint through a
// borrow, wait-list, approve and return cycle on a single-copy title.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/gafsiahmed/biblio-managment-system/internal/grpcapi"
	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
)

func main() {
	log.SetFlags(0)
	addr := getenv("BIBLIO_GRPC_ADDR", "localhost:9090")
	resource := getenv("BIBLIO_SMOKE_RESOURCE", "res-sicp")
	token := os.Getenv("BIBLIO_SMOKE_TOKEN")
	if token == "" {
		log.Fatal("missing BIBLIO_SMOKE_TOKEN: mint a librarian token with `biblio token --user smoke --roles librarian`")
	}

	client, err := grpcapi.Dial(addr, token)
	if err != nil {
		log.Fatalf("dial %s: %v", addr, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if ok, err := client.Healthy(ctx); err != nil || !ok {
		log.Fatalf("server at %s not serving: ok=%v err=%v", addr, ok, err)
	}

	first, second := "smoke-"+uuid.NewString()[:8], "smoke-"+uuid.NewString()[:8]

	got, err := client.Borrow(ctx, first, resource)
	if err != nil {
		log.Fatalf("borrow %s for %s: %v", resource, first, err)
	}
	if got.Queued() {
		log.Fatalf("%s has no free copy; pick an idle title with BIBLIO_SMOKE_RESOURCE", resource)
	}
	loan := got.Loan

	queued, err := client.Borrow(ctx, second, resource)
	if err != nil {
		log.Fatalf("borrow %s for %s: %v", resource, second, err)
	}
	if !queued.Queued() {
		log.Fatalf("expected %s to be wait-listed, got loan %s", second, queued.Loan.ID)
	}
	pos, err := client.QueuePosition(ctx, second, resource)
	if err != nil {
		log.Fatalf("queue position: %v", err)
	}
	if pos < 1 {
		log.Fatalf("unexpected queue position %d", pos)
	}

	approved, err := client.Approve(ctx, loan.ID)
	if err != nil {
		log.Fatalf("approve %s: %v", loan.ID, err)
	}
	if approved.Status != lending.LoanInProgress || approved.DueDate == nil {
		log.Fatalf("approve left loan in %s", approved.Status)
	}

	returned, err := client.Return(ctx, loan.ID)
	if err != nil {
		log.Fatalf("return %s: %v", loan.ID, err)
	}
	if returned.Status != lending.LoanReturned {
		log.Fatalf("return left loan in %s", returned.Status)
	}

	loans, err := client.ListLoans(ctx, first, lending.LoanReturned)
	if err != nil {
		log.Fatalf("list loans: %v", err)
	}
	if len(loans) != 1 || loans[0].ID != loan.ID {
		log.Fatalf("expected the returned loan in %s history, got %d loans", first, len(loans))
	}

	fmt.Printf("smoke-lending passed: loan=%s fee=%d waitlisted=%s position=%d\n",
		loan.ID, returned.LateFee, second, pos)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
