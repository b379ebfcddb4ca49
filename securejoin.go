package parley

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hkdb/parley/internal/crypto"
	"github.com/hkdb/parley/internal/inbound"
	"github.com/hkdb/parley/internal/mimecodec"
	"github.com/hkdb/parley/internal/store"
)

// QRKind mirrors crypto.QRKind at the API boundary, letting a caller
// branch on what a scanned code asks for (spec.md §6 check_qr).
type QRKind = crypto.QRKind

const (
	QRUnknown          = crypto.QRUnknown
	QRAskVerifyContact = crypto.QRAskVerifyContact
	QRAskVerifyGroup   = crypto.QRAskVerifyGroup
)

// CheckQR decodes a scanned code without acting on it (spec.md §6
// check_qr), so a caller can show a confirmation prompt before commit.
func (a *Account) CheckQR(raw string) (*crypto.QR, error) {
	q, err := crypto.ParseQR(raw)
	if err != nil {
		return nil, wrapErr("check qr", ErrorKindProgramming, err)
	}
	return q, nil
}

// GetSecurejoinQR renders the invite payload an inviter displays (spec.md
// §6 get_securejoin_qr): chatID zero asks for a plain verify-contact
// invite; a protected group chat's id scopes the invite to that group
// instead. A fresh invitenumber is minted and saved so the first
// vc-request/vg-request this invite produces is accepted exactly once.
func (a *Account) GetSecurejoinQR(chatID int64) (string, error) {
	a.mu.RLock()
	selfAddress := a.selfAddress
	entity := a.selfEntity
	a.mu.RUnlock()
	if entity == nil {
		return "", wrapErr("get securejoin qr", ErrorKindProgramming, fmt.Errorf("no identity loaded yet"))
	}

	var groupName, groupID string
	if chatID != 0 {
		chat, err := a.store.GetChat(chatID)
		if err != nil {
			return "", classifyErr("get securejoin qr", err)
		}
		if chat.Type != store.ChatTypeGroup || !chat.Protected {
			return "", wrapErr("get securejoin qr", ErrorKindProgramming,
				fmt.Errorf("chat %d is not a protected group", chatID))
		}
		groupName, groupID = chat.Name, chat.GroupID
	}

	inviteNumber := store.NewToken()
	if err := a.store.SaveToken(store.TokenNamespaceInviteNumber, chatID, inviteNumber); err != nil {
		return "", classifyErr("get securejoin qr", err)
	}
	if err := a.store.SaveSecureJoinState(&store.SecureJoinState{
		ChatID: chatID, Role: store.SecureJoinRoleInviter, State: string(crypto.InviterInit),
	}); err != nil {
		return "", classifyErr("get securejoin qr", err)
	}

	return crypto.EncodeQR(&crypto.QR{
		Fingerprint:  crypto.KeyFingerprint(entity),
		Address:      selfAddress,
		InviteNumber: inviteNumber,
		Auth:         inviteNumber,
		GroupName:    groupName,
		GroupID:      groupID,
	}), nil
}

// JoinSecurejoin starts the joiner side of the handshake from a scanned QR
// (spec.md §6 join_securejoin): it resolves (creating if necessary) the
// local chat the invite targets, records the out-of-band fingerprint the
// rest of the exchange is checked against, and sends the initial
// vc-request/vg-request. Completion arrives asynchronously once the
// inviter's replies are processed by the inbound pipeline.
func (a *Account) JoinSecurejoin(ctx context.Context, qrCode string) (int64, error) {
	q, err := crypto.ParseQR(qrCode)
	if err != nil {
		return 0, wrapErr("join securejoin", ErrorKindProgramming, err)
	}
	if q.Kind == crypto.QRUnknown {
		return 0, wrapErr("join securejoin", ErrorKindProgramming, fmt.Errorf("unrecognized qr payload"))
	}

	contact, err := a.store.UpsertContact(q.Address, "", store.OriginSecurejoin)
	if err != nil {
		return 0, classifyErr("join securejoin", err)
	}

	var chat *store.Chat
	requestStep := crypto.StepVcRequest
	if q.Kind == crypto.QRAskVerifyGroup {
		chat, err = a.store.LookupGroupChatByGroupID(q.GroupID)
		if err != nil {
			return 0, classifyErr("join securejoin", err)
		}
		if chat == nil {
			chat, err = a.store.CreateGroupChat(q.GroupName, q.GroupID, true)
			if err != nil {
				return 0, classifyErr("join securejoin", err)
			}
		}
		requestStep = crypto.StepVgRequest
	} else {
		chat, err = a.store.GetOrCreateSingleChat(ctx, contact.ID)
		if err != nil {
			return 0, classifyErr("join securejoin", err)
		}
	}

	nextState, _, err := crypto.JoinerStep(crypto.JoinerInit, nil, nil)
	if err != nil {
		return 0, wrapErr("join securejoin", ErrorKindPermanent, err)
	}
	if err := a.store.SaveSecureJoinState(&store.SecureJoinState{
		ChatID: chat.ID, Role: store.SecureJoinRoleJoiner,
		State: string(nextState), Fingerprint: q.Fingerprint,
	}); err != nil {
		return 0, classifyErr("join securejoin", err)
	}

	a.mu.RLock()
	selfAddress := a.selfAddress
	a.mu.RUnlock()

	built, err := mimecodec.Build(&mimecodec.Input{From: selfAddress, To: []string{q.Address}, Text: ""})
	if err != nil {
		return 0, wrapErr("join securejoin", ErrorKindPermanent, err)
	}
	built = inbound.InjectSecureJoinHeaders(built, &crypto.ProtocolMessage{
		Step: requestStep, InviteNumber: q.InviteNumber, GroupID: q.GroupID,
	})

	if _, err := a.store.EnqueueJob(store.ThreadSMTP, store.ActionSendRaw, 0, inbound.EncodeRaw(built), time.Now()); err != nil {
		return 0, classifyErr("join securejoin", err)
	}
	return chat.ID, nil
}

// SetConfigFromQR applies a scanned provisioning code to this account
// (spec.md §6 set_config_from_qr). The recognized scheme is
// "dclogin:<address>#p=<urlencoded password>"; it otherwise behaves like
// calling Configure directly with the decoded credentials.
func (a *Account) SetConfigFromQR(ctx context.Context, qrCode string) error {
	const prefix = "dclogin:"
	if !strings.HasPrefix(strings.ToLower(qrCode), prefix) {
		return wrapErr("set config from qr", ErrorKindProgramming, fmt.Errorf("unrecognized provisioning qr"))
	}
	rest := qrCode[len(prefix):]
	address, query, _ := strings.Cut(rest, "#")
	values, err := url.ParseQuery(query)
	if err != nil {
		return wrapErr("set config from qr", ErrorKindProgramming, err)
	}
	password := values.Get("p")
	if address == "" || password == "" {
		return wrapErr("set config from qr", ErrorKindProgramming, fmt.Errorf("provisioning qr missing address or password"))
	}
	return a.Configure(ctx, address, password)
}
