package consensus

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"scm_multichain/pkg/data"
	"scm_multichain/pkg/notify"
	"scm_multichain/pkg/utils"
)

// commitTransactions applies a validated batch to product state and to the
// shipments its transactions reference. Failures are logged; the batch
// itself is already committed.
func (e *Engine) commitTransactions(ctx context.Context, batch *data.Batch) {
	for _, tx := range batch.Transactions {
		prevOwner, ps, err := e.applyToProduct(ctx, batch.ID, tx)
		if err != nil {
			e.logger.Error("Applying transaction to product failed",
				zap.String("batch_id", batch.ID),
				zap.String("product_id", tx.ProductID),
				zap.Error(err))
			continue
		}
		if ps.Owner != prevOwner {
			notify.PublishAll(ctx, e.publisher, e.logger, notify.NewEvent(notify.EventOwnershipTransferred, ps.ProductID, string(tx.Type), map[string]string{
				"from":     prevOwner,
				"to":       ps.Owner,
				"batch_id": batch.ID,
			}))
		}

		switch tx.Type {
		case data.TxShipmentDispatch:
			e.advanceShipments(ctx, tx, data.ShipmentApproved, data.ShipmentInTransit)
		case data.TxShipmentDelivery:
			e.advanceShipments(ctx, tx, data.ShipmentInTransit, data.ShipmentDelivered)
		}
	}
}

// applyToProduct upserts the product state for tx and returns the owner it
// had before.
func (e *Engine) applyToProduct(ctx context.Context, batchID string, tx data.TransactionRecord) (string, *data.ProductState, error) {
	var (
		prevOwner string
		state     *data.ProductState
	)
	err := data.RetryOnConflict(ctx, func() error {
		ps, err := e.repo.GetProductState(ctx, tx.ProductID)
		create := false
		switch {
		case errors.Is(err, data.ErrUnknownProduct):
			ps = &data.ProductState{ProductID: tx.ProductID, Stakeholders: []string{}, CommittedBatches: []string{}}
			create = true
		case err != nil:
			return err
		}
		prevOwner = ps.Owner

		ps.AddStakeholder(tx.From)
		ps.AddStakeholder(tx.To)
		switch tx.Type {
		case data.TxTransfer:
			if tx.To != "" {
				ps.Owner = tx.To
			}
		case data.TxManufacture:
			if ps.Owner == "" {
				ps.Owner = tx.To
				if ps.Owner == "" {
					ps.Owner = tx.From
				}
			}
		}
		if !utils.Contains(ps.CommittedBatches, batchID) {
			ps.CommittedBatches = append(ps.CommittedBatches, batchID)
		}
		ps.LastTransactionType = tx.Type
		if tx.ChainID != "" {
			ps.ChainID = tx.ChainID
		}
		ps.UpdatedAt = e.now()

		if create {
			err = e.repo.CreateProductState(ctx, ps)
			if errors.Is(err, data.ErrDuplicate) {
				// created concurrently; reload and apply again
				return data.ErrConcurrentModification
			}
		} else {
			err = e.repo.UpdateProductState(ctx, ps)
		}
		if err != nil {
			return err
		}
		state = ps
		return nil
	})
	return prevOwner, state, err
}

// GetProductState returns the committed view of a product.
func (e *Engine) GetProductState(ctx context.Context, productID string) (*data.ProductState, error) {
	return e.repo.GetProductState(ctx, productID)
}
