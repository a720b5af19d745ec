package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/acadledger/acadledger/internal/contracts"
	"github.com/acadledger/acadledger/internal/identity"
)

// PredictOptions defines available flags for the account predict command.
type PredictOptions struct {
	Kind       string
	Password   string
	ID         string
	Profile    []string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// PredictSummary describes the JSON response for account predict.
type PredictSummary struct {
	Kind    string `json:"kind"`
	Owner   string `json:"owner"`
	Account string `json:"account"`
}

// PredictCommand derives the owner key for the credentials and prints the
// account address registration would produce. Nothing touches the ledger.
func PredictCommand(opts PredictOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	kind, err := contracts.ParseKind(opts.Kind)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "account predict: %v\n", err)
		return 1
	}
	if want := kind.ProfileFields(); len(opts.Profile) != want {
		_, _ = fmt.Fprintf(opts.Stderr, "account predict: %s profile needs %d fields, got %d\n", kind, want, len(opts.Profile))
		return 1
	}
	owner, err := identity.Derive(opts.Password, opts.ID)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "account predict: %v\n", err)
		return 1
	}
	summary := PredictSummary{
		Kind:    kind.String(),
		Owner:   owner.Address().Hex(),
		Account: contracts.PredictAddress(kind, owner.Address(), opts.Profile, [32]byte{}).Hex(),
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "account predict: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(opts.Stdout, "kind:    %s\nowner:   %s\naccount: %s\n", summary.Kind, summary.Owner, summary.Account)
	return 0
}
