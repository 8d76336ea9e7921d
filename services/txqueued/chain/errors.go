package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"

	"txqueue/services/txqueued/txerr"
)

// ErrAlreadyKnown reports that the node already holds the submitted
// transaction in its pool.
var ErrAlreadyKnown = errors.New("chain: transaction already known")

// Node rejection reasons that will not change on resubmission.
var permanentSendReasons = []string{
	"nonce too low",
	"insufficient funds",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"invalid sender",
	"invalid signature",
	"invalid transaction",
	"transaction type not supported",
	"rlp",
	"oversized data",
	"replacement transaction underpriced",
	"gas limit reached",
	"only replay-protected",
	"max priority fee per gas higher than max fee per gas",
}

// Node responses that indicate temporary overload rather than rejection.
var transientSendReasons = []string{
	"txpool is full",
	"timeout",
	"try again",
	"too many requests",
	"server busy",
	"header not found",
}

// ClassifySend maps a submission error onto the txerr taxonomy. JSON-RPC
// error responses from the node are permanent unless they match a known
// overload message; transport failures are transient.
func ClassifySend(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction") {
		return errors.Join(ErrAlreadyKnown, err)
	}
	for _, reason := range transientSendReasons {
		if strings.Contains(msg, reason) {
			return txerr.Transient(err)
		}
	}
	for _, reason := range permanentSendReasons {
		if strings.Contains(msg, reason) {
			return txerr.Permanent(err)
		}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return txerr.Permanent(err)
	}
	return txerr.Transient(err)
}

// ClassifyRead maps a read error onto the taxonomy. ethereum.NotFound and
// context cancellation pass through unchanged; anything else is transient.
func ClassifyRead(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ethereum.NotFound), errors.Is(err, context.Canceled):
		return err
	default:
		return txerr.Transient(err)
	}
}
