// Package receiver processes incoming federation transactions.
package receiver

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/devicelist"
	"go.mau.fi/fedsync/fedtypes"
	"go.mau.fi/fedsync/signing"
)

var (
	ErrTooManyPDUs     = errors.New("too many PDUs in transaction")
	ErrTooManyEDUs     = errors.New("too many EDUs in transaction")
	ErrOriginMismatch  = errors.New("transaction origin doesn't match authenticated server")
	ErrNotSigned       = errors.New("event isn't signed by the sender's server")
	ErrInvalidEventSig = errors.New("event signature is invalid")
)

const resyncTimeout = 2 * time.Minute

var (
	transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedsync_receiver_transactions_total",
		Help: "Number of received transactions",
	}, []string{"result"})
	pdusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedsync_receiver_pdus_total",
		Help: "Number of received PDUs by outcome",
	}, []string{"result"})
	edusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedsync_receiver_edus_total",
		Help: "Number of received EDUs by type",
	}, []string{"edu_type"})
	droppedNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fedsync_receiver_dropped_notifications_total",
		Help: "Number of PDUs not delivered to a subscriber because its buffer was full",
	})
)

type KeyVerifier interface {
	VerifyKeyAt(ctx context.Context, serverName string, keyID id.KeyID, at time.Time) (ed25519.PublicKey, error)
}

type TransactionStore interface {
	// GetTransactionResponse returns nil if the transaction hasn't been seen.
	GetTransactionResponse(ctx context.Context, origin, txnID string) (*fedtypes.RespSend, error)
	SaveTransactionResponse(ctx context.Context, origin, txnID string, resp *fedtypes.RespSend) error
}

type EventStore interface {
	// PutEvent stores an event and returns false if it was already stored.
	PutEvent(ctx context.Context, pdu *fedtypes.PDU, raw json.RawMessage) (bool, error)
}

type DeviceListHandler interface {
	ApplyDeviceListUpdate(ctx context.Context, origin string, update *fedtypes.DeviceListUpdate) error
	ApplySigningKeyUpdate(ctx context.Context, origin string, update *fedtypes.SigningKeyUpdate) error
	Resync(ctx context.Context, userID id.UserID) error
}

type Receiver struct {
	Keys         KeyVerifier
	Transactions TransactionStore
	Events       EventStore
	DeviceLists  DeviceListHandler

	subscriptions *exsync.Set[*Subscription]
	resyncing     *exsync.Set[id.UserID]
	wg            sync.WaitGroup
}

func NewReceiver(keys KeyVerifier, txns TransactionStore, events EventStore, deviceLists DeviceListHandler) *Receiver {
	return &Receiver{
		Keys:         keys,
		Transactions: txns,
		Events:       events,
		DeviceLists:  deviceLists,

		subscriptions: exsync.NewSet[*Subscription](),
		resyncing:     exsync.NewSet[id.UserID](),
	}
}

// HandleTransaction processes a transaction sent by origin. Retransmissions of
// an already processed transaction get the stored response back.
func (r *Receiver) HandleTransaction(ctx context.Context, origin, txnID string, txn *fedtypes.Transaction) (*fedtypes.RespSend, error) {
	if len(txn.PDUs) > fedtypes.MaxPDUsPerTransaction {
		transactionsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w (%d > %d)", ErrTooManyPDUs, len(txn.PDUs), fedtypes.MaxPDUsPerTransaction)
	} else if len(txn.EDUs) > fedtypes.MaxEDUsPerTransaction {
		transactionsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w (%d > %d)", ErrTooManyEDUs, len(txn.EDUs), fedtypes.MaxEDUsPerTransaction)
	} else if txn.Origin != "" && txn.Origin != origin {
		transactionsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %q != %q", ErrOriginMismatch, txn.Origin, origin)
	}
	log := zerolog.Ctx(ctx).With().
		Str("origin", origin).
		Str("txn_id", txnID).
		Logger()
	ctx = log.WithContext(ctx)
	cached, err := r.Transactions.GetTransactionResponse(ctx, origin, txnID)
	if err != nil {
		return nil, fmt.Errorf("failed to check for duplicate transaction: %w", err)
	} else if cached != nil {
		log.Debug().Msg("Returning stored response to retransmitted transaction")
		transactionsTotal.WithLabelValues("duplicate").Inc()
		return cached, nil
	}
	resp := &fedtypes.RespSend{PDUs: make(map[id.EventID]fedtypes.PDUResult, len(txn.PDUs))}
	for _, raw := range txn.PDUs {
		evtID := id.EventID(gjson.GetBytes(raw, "event_id").Str)
		err = r.handlePDU(ctx, raw)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Debug().Err(err).Stringer("event_id", evtID).Msg("Rejected PDU")
			pdusTotal.WithLabelValues("rejected").Inc()
			if evtID != "" {
				resp.PDUs[evtID] = fedtypes.PDUResult{Error: err.Error()}
			}
		} else {
			resp.PDUs[evtID] = fedtypes.PDUResult{}
		}
	}
	for _, edu := range txn.EDUs {
		r.handleEDU(ctx, origin, edu)
	}
	if err = r.Transactions.SaveTransactionResponse(ctx, origin, txnID, resp); err != nil {
		return nil, fmt.Errorf("failed to save transaction response: %w", err)
	}
	transactionsTotal.WithLabelValues("processed").Inc()
	log.Debug().
		Int("pdu_count", len(txn.PDUs)).
		Int("edu_count", len(txn.EDUs)).
		Int("rejected_count", len(resp.Failed())).
		Msg("Processed transaction")
	return resp, nil
}

// VerifyEventSignature checks that the sender's server has signed the event
// with a key that was valid at the event's timestamp.
func (r *Receiver) VerifyEventSignature(ctx context.Context, pdu *fedtypes.PDU, raw json.RawMessage) error {
	server := pdu.Origin()
	keyIDs := signing.SignerKeyIDs(raw, server)
	if len(keyIDs) == 0 {
		return fmt.Errorf("%w (%s)", ErrNotSigned, server)
	}
	at := time.UnixMilli(pdu.OriginServerTS)
	var errs []error
	for _, keyID := range keyIDs {
		pub, err := r.Keys.VerifyKeyAt(ctx, server, keyID, at)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to get key %s of %s: %w", keyID, server, err))
			continue
		}
		if err = signing.VerifyJSON(raw, server, keyID, pub); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEventSig, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidEventSig, errors.Join(errs...))
}

func (r *Receiver) handlePDU(ctx context.Context, raw json.RawMessage) error {
	pdu, err := fedtypes.ParsePDU(raw)
	if err != nil {
		return err
	}
	if err = r.VerifyEventSignature(ctx, pdu, raw); err != nil {
		return err
	}
	if err = fedtypes.CheckContentHash(raw); err != nil {
		return err
	}
	isNew, err := r.Events.PutEvent(ctx, pdu, raw)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	if isNew {
		pdusTotal.WithLabelValues("accepted").Inc()
		r.publish(pdu)
	} else {
		pdusTotal.WithLabelValues("duplicate").Inc()
	}
	return nil
}

func (r *Receiver) handleEDU(ctx context.Context, origin string, edu fedtypes.EDU) {
	edusTotal.WithLabelValues(string(edu.Type)).Inc()
	log := zerolog.Ctx(ctx).With().Str("edu_type", string(edu.Type)).Logger()
	switch edu.Type {
	case fedtypes.EDUTypeDeviceListUpdate:
		var update fedtypes.DeviceListUpdate
		if err := json.Unmarshal(edu.Content, &update); err != nil {
			log.Warn().Err(err).Msg("Failed to parse device list update")
			return
		}
		err := r.DeviceLists.ApplyDeviceListUpdate(ctx, origin, &update)
		if errors.Is(err, devicelist.ErrMissingPreviousUpdate) {
			log.Debug().Err(err).Stringer("user_id", update.UserID).Msg("Device list update has a gap, resyncing")
			r.resyncInBackground(ctx, update.UserID)
		} else if err != nil {
			log.Warn().Err(err).Stringer("user_id", update.UserID).Msg("Failed to apply device list update")
		}
	case fedtypes.EDUTypeSigningKeyUpdate:
		var update fedtypes.SigningKeyUpdate
		if err := json.Unmarshal(edu.Content, &update); err != nil {
			log.Warn().Err(err).Msg("Failed to parse signing key update")
			return
		}
		if err := r.DeviceLists.ApplySigningKeyUpdate(ctx, origin, &update); err != nil {
			log.Warn().Err(err).Stringer("user_id", update.UserID).Msg("Failed to apply signing key update")
		}
	default:
		log.Trace().Msg("Ignoring unsupported EDU")
	}
}

func (r *Receiver) resyncInBackground(ctx context.Context, userID id.UserID) {
	if !r.resyncing.Add(userID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resyncTimeout)
	r.wg.Go(func() {
		defer cancel()
		defer r.resyncing.Pop(userID)
		if err := r.DeviceLists.Resync(ctx, userID); err != nil {
			zerolog.Ctx(ctx).Err(err).Stringer("user_id", userID).Msg("Failed to resync device list")
		}
	})
}

// Wait blocks until background device list resyncs have finished.
func (r *Receiver) Wait() {
	r.wg.Wait()
}
