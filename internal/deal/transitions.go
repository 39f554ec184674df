package deal

// rule is one row of the transition table.
type rule struct {
	legs   map[Party]Leg
	roles  map[Party]Role
	priced bool
	// status reached when exactly one leg is in custody, keyed by that leg
	partial map[Leg]Status
}

// table is the single source of per-type behaviour. Custody recomputes status
// from it after every deposit, the mirror replays proofs through it, and the
// recovery procedure derives refund targets from it.
var table = map[Type]rule{
	TypeBuy: {
		legs:   map[Party]Leg{PartyCreator: LegPayment, PartyCounterparty: LegNFT},
		roles:  map[Party]Role{PartyCreator: RoleBuyer, PartyCounterparty: RoleSeller},
		priced: true,
		partial: map[Leg]Status{
			LegNFT:     StatusAwaitingBuyer,
			LegPayment: StatusAwaitingSeller,
		},
	},
	TypeSell: {
		legs:   map[Party]Leg{PartyCreator: LegNFT, PartyCounterparty: LegPayment},
		roles:  map[Party]Role{PartyCreator: RoleSeller, PartyCounterparty: RoleBuyer},
		priced: true,
		partial: map[Leg]Status{
			LegNFT:     StatusAwaitingBuyer,
			LegPayment: StatusAwaitingSeller,
		},
	},
	TypeSwap: {
		legs:   map[Party]Leg{PartyCreator: LegNFT, PartyCounterparty: LegSwapNFT},
		roles:  map[Party]Role{PartyCreator: RoleNFTHolder, PartyCounterparty: RoleNFTHolder},
		priced: false,
		partial: map[Leg]Status{
			LegNFT:     StatusPending,
			LegSwapNFT: StatusPending,
		},
	},
}

// LegOf returns the leg party p owes for a deal of type t.
func LegOf(t Type, p Party) Leg {
	return table[t].legs[p]
}

// PartyForLeg returns who deposits leg l.
func PartyForLeg(t Type, l Leg) (Party, error) {
	for p, leg := range table[t].legs {
		if leg == l {
			return p, nil
		}
	}
	return PartyNone, ErrNoSuchLeg
}

// RoleOf returns the economic role of party p.
func RoleOf(t Type, p Party) Role {
	return table[t].roles[p]
}

// PartyForRole returns the party holding role r, or PartyNone.
func PartyForRole(t Type, r Role) Party {
	for p, role := range table[t].roles {
		if role == r {
			return p
		}
	}
	return PartyNone
}

// IsPriced reports whether deals of type t carry a price and a payment leg.
func IsPriced(t Type) bool {
	return table[t].priced
}

// PriceSetter returns the party allowed to set the price directly and to
// accept or decline counter-offers: the listing creator. Swaps have none.
func PriceSetter(t Type) Party {
	if !IsPriced(t) {
		return PartyNone
	}
	return PartyCreator
}

// StatusFor recomputes the non-terminal status from the two deposit flags.
func StatusFor(t Type, creatorDeposited, counterpartyDeposited bool) Status {
	r := table[t]
	switch {
	case creatorDeposited && counterpartyDeposited:
		return StatusLockedInEscrow
	case creatorDeposited:
		return r.partial[r.legs[PartyCreator]]
	case counterpartyDeposited:
		return r.partial[r.legs[PartyCounterparty]]
	default:
		return StatusPending
	}
}

// rank orders statuses along the lifecycle. Both terminals share the top rank.
func rank(s Status) int {
	switch s {
	case StatusPending:
		return 0
	case StatusAwaitingBuyer, StatusAwaitingSeller:
		return 1
	case StatusLockedInEscrow:
		return 2
	default:
		return 3
	}
}

// CanAdvance reports whether moving from one status to another is allowed:
// forward along the table, sideways only onto itself, or to CANCELLED from
// any non-terminal status. Nothing leaves a terminal status.
func CanAdvance(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusCancelled || from == to {
		return true
	}
	return rank(to) > rank(from)
}

// Movement sends one deposited leg to a party.
type Movement struct {
	Leg Leg   `json:"leg"`
	To  Party `json:"to"`
}

// RefundPlan lists where each deposited leg goes on cancellation: back to
// the party that deposited it, never to the other side.
func RefundPlan(t Type, creatorDeposited, counterpartyDeposited bool) []Movement {
	var plan []Movement
	if creatorDeposited {
		plan = append(plan, Movement{Leg: LegOf(t, PartyCreator), To: PartyCreator})
	}
	if counterpartyDeposited {
		plan = append(plan, Movement{Leg: LegOf(t, PartyCounterparty), To: PartyCounterparty})
	}
	return plan
}

// ReleasePlan lists where each leg goes on completion: every leg crosses to
// the other party. The payment leg is further split into fee and proceeds by
// custody.
func ReleasePlan(t Type) []Movement {
	return []Movement{
		{Leg: LegOf(t, PartyCreator), To: PartyCounterparty},
		{Leg: LegOf(t, PartyCounterparty), To: PartyCreator},
	}
}
