package domain

// AggregateStatus derives the parent transaction status from its payment and children.
//
// Terminal parents are returned unchanged. Until the payment is paid the current status is kept.
// A failed child cancels the parent regardless of its siblings; otherwise the parent succeeds once
// every child succeeded and stays in progress while any child is outstanding.
func AggregateStatus(current TransactionStatus, payment PaymentStatus, children []LineItemStatus) TransactionStatus {
	if current.IsTerminal() {
		return current
	}
	if payment != PaymentStatusPaid {
		return current
	}
	if len(children) == 0 {
		return TransactionStatusInProgress
	}

	allSucceeded := true
	for _, child := range children {
		switch child {
		case LineItemStatusFailed:
			return TransactionStatusCancelled
		case LineItemStatusSuccess:
		default:
			allSucceeded = false
		}
	}
	if allSucceeded {
		return TransactionStatusSuccess
	}
	return TransactionStatusInProgress
}

// ChildStatuses projects line items onto their statuses.
func ChildStatuses(items []LineItem) []LineItemStatus {
	out := make([]LineItemStatus, 0, len(items))
	for _, item := range items {
		out = append(out, item.Status)
	}
	return out
}
