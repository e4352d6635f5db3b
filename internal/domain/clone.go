package domain

// Clone returns a deep copy of the cart. Optimistic rendering layers item
// and option slices on top of confirmed snapshots, so no backing storage may
// be shared between the original and the copy.
func (c Cart) Clone() Cart {
	dup := c
	dup.Items = CloneItems(c.Items)
	dup.Promotions = clonePromotions(c.Promotions)
	return dup
}

// CloneItems deep-copies a cart item slice including each item's option map.
func CloneItems(items []CartItem) []CartItem {
	if len(items) == 0 {
		return []CartItem{}
	}
	dup := make([]CartItem, len(items))
	copy(dup, items)
	for i := range dup {
		dup[i].SelectedOptions = cloneStringMap(dup[i].SelectedOptions)
	}
	return dup
}

// FindItem returns the index of the line with the given id, or -1.
func FindItem(items []CartItem, itemID string) int {
	if itemID == "" {
		return -1
	}
	for i, item := range items {
		if item.ID == itemID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the session. The address and shipping method
// pointers are duplicated so callers cannot reach the state machine's
// committed fields through a returned snapshot.
func (s CheckoutSession) Clone() CheckoutSession {
	dup := s
	if s.ShippingAddress != nil {
		addr := *s.ShippingAddress
		dup.ShippingAddress = &addr
	}
	if s.BillingAddress != nil {
		addr := *s.BillingAddress
		dup.BillingAddress = &addr
	}
	if s.ShippingMethod != nil {
		method := *s.ShippingMethod
		dup.ShippingMethod = &method
	}
	return dup
}

func clonePromotions(promos []Promotion) []Promotion {
	if len(promos) == 0 {
		return nil
	}
	dup := make([]Promotion, len(promos))
	copy(dup, promos)
	return dup
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
