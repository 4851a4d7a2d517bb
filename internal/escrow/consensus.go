package escrow

// Consensus is the two-bank approval gate. It is a value type with no side
// effects; the state machine persists the flags on the order.
type Consensus struct {
	BuyerBank  bool
	SellerBank bool
}

// ConsensusOf reads the approval flags of an order.
func ConsensusOf(o *Order) Consensus {
	return Consensus{BuyerBank: o.BuyerApproved, SellerBank: o.SellerApproved}
}

// Record marks side as approved. Approvals are first-write-wins: changed is
// false when the side had already approved, and a flag never goes back to false.
func (c Consensus) Record(side BankType) (next Consensus, changed bool) {
	next = c
	switch side {
	case BankBuyer:
		changed = !c.BuyerBank
		next.BuyerBank = true
	case BankSeller:
		changed = !c.SellerBank
		next.SellerBank = true
	}
	return next, changed
}

// Approved reports whether side has approved.
func (c Consensus) Approved(side BankType) bool {
	if side == BankBuyer {
		return c.BuyerBank
	}
	return c.SellerBank
}

// Reached is true iff both banks approved.
func (c Consensus) Reached() bool {
	return c.BuyerBank && c.SellerBank
}

func (c Consensus) applyTo(o *Order) {
	o.BuyerApproved = c.BuyerBank
	o.SellerApproved = c.SellerBank
}

func validBankType(side BankType) bool {
	return side == BankBuyer || side == BankSeller
}
