// Package settlement holds the on-chain submission boundary. The real chain
// client is an external collaborator; Unavailable stands in when none is
// configured, so flows that never touch the chain (claim under coordinator
// acknowledgement) still run.
package settlement

import (
	"context"

	"github.com/tipstream/tipstream/internal/domain"
	"github.com/tipstream/tipstream/internal/errs"
)

// Unavailable rejects every on-chain submission.
type Unavailable struct{}

var _ domain.SettlementClient = Unavailable{}

func (Unavailable) SubmitCreate(context.Context, domain.CreateProposal) error {
	return errs.Errorf(errs.KindSettlement, "settlement.SubmitCreate", "no settlement client configured")
}

func (Unavailable) SubmitResize(context.Context, domain.ResizeProposal) error {
	return errs.Errorf(errs.KindSettlement, "settlement.SubmitResize", "no settlement client configured")
}

func (Unavailable) SubmitClose(context.Context, domain.CloseProposal) error {
	return errs.Errorf(errs.KindSettlement, "settlement.SubmitClose", "no settlement client configured")
}

func (Unavailable) Withdraw(context.Context, string, string) error {
	return errs.Errorf(errs.KindSettlement, "settlement.Withdraw", "no settlement client configured")
}
