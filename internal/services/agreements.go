package services

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/genelink/internal/agreement"
	"github.com/danmuck/genelink/internal/dispatch"
	"github.com/danmuck/genelink/internal/logging"
	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/schema"
	"github.com/danmuck/genelink/internal/protocol/session"
	"github.com/danmuck/genelink/internal/protocol/tlv"
	"github.com/danmuck/genelink/internal/token"
	"github.com/rs/zerolog"
)

// AgreementCertificate vouches for one agreement on one connection. A fresh
// token is minted for every proposal.
type AgreementCertificate = token.CertificateToken[*agreement.Agreement]

// UpdateAgreement asks the peer to replace the connection's agreement with
// the token's target. The token is signed by the connection's pinned key.
type UpdateAgreement struct {
	Token AgreementCertificate
}

func (u *UpdateAgreement) MarshalBinary() ([]byte, error) {
	tok, err := u.Token.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return tlv.EncodeFields([]tlv.Field{tlv.Bytes(schema.FieldToken, tok)}), nil
}

func (u *UpdateAgreement) UnmarshalBinary(p []byte) error {
	fields, err := schema.Decode(schema.MsgUpdateAgreement, p)
	if err != nil {
		return err
	}
	f, _ := fields.Get(schema.FieldToken)
	tok, err := token.DecodeCertificate[agreement.Agreement](f.Value)
	if err != nil {
		return err
	}
	u.Token = tok
	return nil
}

var AgreementUpdate = dispatch.NewMethod[UpdateAgreement, agreement.Agreement]("agreement.Update")

// Agreements lets a peer renegotiate its connection's limits.
type Agreements struct {
	// MaxTokenAge rejects older tokens. Zero accepts any age.
	MaxTokenAge time.Duration
	log         zerolog.Logger
}

func NewAgreements(maxTokenAge time.Duration) *Agreements {
	return &Agreements{MaxTokenAge: maxTokenAge, log: logging.Component("services.agreements")}
}

func (a *Agreements) Name() string {
	return "agreements"
}

func (a *Agreements) Responders() []dispatch.Responder {
	return []dispatch.Responder{dispatch.Sync(AgreementUpdate, a.update)}
}

// update verifies the token before touching the agreement: a refusal at
// any step leaves the active agreement as it was.
func (a *Agreements) update(ctx context.Context, call *dispatch.Call, req *UpdateAgreement) (protocol.Result, *agreement.Agreement) {
	conn := call.Conn
	if err := req.Token.ValidateAndVerify(conn.Binding()); err != nil {
		a.log.Info().Err(err).Uint64("conn", conn.ID()).Msg("services.Agreements token rejected")
		return protocol.ResultNotAuthenticated, nil
	}
	if req.Token.PublicKey != conn.RemotePublicKey() {
		a.log.Info().Uint64("conn", conn.ID()).Str("key", req.Token.PublicKey.String()).Msg("services.Agreements token key is not the peer's")
		return protocol.ResultNotAuthenticated, nil
	}
	if req.Token.Expired(a.MaxTokenAge, time.Now()) {
		return protocol.ResultNotAuthenticated, nil
	}
	candidate := *req.Token.Target
	if err := candidate.Validate(conn.GeneCapacity().Following); err != nil {
		return protocol.ResultInvalidOperation, nil
	}
	if res := conn.ProposeAgreement(candidate); !res.IsSuccess() {
		return res, nil
	}
	cur := conn.Agreement()
	return protocol.ResultSuccess, &cur
}

// ProposeAgreement asks the peer to adopt candidate and, once it accepted,
// adopts it locally. A candidate outside this side's own limit is refused
// before anything is sent.
func ProposeAgreement(ctx context.Context, conn *session.Connection, signer *token.Signer, candidate agreement.Agreement) (agreement.Agreement, error) {
	if !candidate.IsInclusive(conn.AgreementLimit()) {
		return agreement.Agreement{}, fmt.Errorf("%w: candidate exceeds local limit", protocol.ErrRefused)
	}
	tok, err := token.NewCertificateToken(signer, conn.Binding(), &candidate)
	if err != nil {
		return agreement.Agreement{}, err
	}
	got, err := AgreementUpdate.Invoke(ctx, conn, &UpdateAgreement{Token: tok})
	if err != nil {
		return agreement.Agreement{}, err
	}
	if got == nil {
		return agreement.Agreement{}, fmt.Errorf("%w: empty agreement reply", protocol.ErrUnexpectedPayload)
	}
	if res := conn.ProposeAgreement(*got); !res.IsSuccess() {
		return agreement.Agreement{}, res.Err()
	}
	return *got, nil
}
