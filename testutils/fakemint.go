// Package testutils runs an in-process mint for tests: the HTTP
// endpoints and websocket subscriptions the wallet uses, backed by
// real blind signatures and an in-memory ledger.
package testutils

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/cashu/nuts/nut01"
	"github.com/elnosh/nutsend/cashu/nuts/nut02"
	"github.com/elnosh/nutsend/cashu/nuts/nut03"
	"github.com/elnosh/nutsend/cashu/nuts/nut05"
	"github.com/elnosh/nutsend/cashu/nuts/nut06"
	"github.com/elnosh/nutsend/cashu/nuts/nut07"
	"github.com/elnosh/nutsend/cashu/nuts/nut09"
	"github.com/elnosh/nutsend/cashu/nuts/nut17"
	"github.com/elnosh/nutsend/crypto"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const FakePreimage = "0000000000000000000000000000000000000000000000000000000000000000"

type meltQuote struct {
	nut05.PostMeltQuoteBolt11Response
	paymentHash string
	inputs      cashu.Proofs
	outputs     cashu.BlindedMessages
}

type FakeMint struct {
	URL    string
	server *httptest.Server

	mu          sync.Mutex
	keysets     []*crypto.MintKeyset
	proofStates map[string]nut07.State
	signed      map[string]cashu.BlindedSignature
	meltQuotes  map[string]*meltQuote
	preimages   map[string]string
	wsClients   map[*wsClient]struct{}

	feeReserve       uint64
	lightningFee     uint64
	meltResult       nut05.State
	quoteExpiry      time.Duration
	websockets       bool
	loseSwapResponse bool
	swapErr          *cashu.Error
	swapCalls        int
	restoreCalls     int
}

// NewFakeMint starts a mint serving keysets. With no keysets it
// generates one active sat keyset without fees.
func NewFakeMint(keysets ...*crypto.MintKeyset) *FakeMint {
	if len(keysets) == 0 {
		keysets = []*crypto.MintKeyset{NewKeyset(0)}
	}

	m := &FakeMint{
		keysets:      keysets,
		proofStates:  make(map[string]nut07.State),
		signed:       make(map[string]cashu.BlindedSignature),
		meltQuotes:   make(map[string]*meltQuote),
		preimages:    make(map[string]string),
		wsClients:    make(map[*wsClient]struct{}),
		feeReserve:   2,
		lightningFee: 1,
		meltResult:   nut05.Paid,
		quoteExpiry:  time.Hour,
		websockets:   true,
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/info", m.getInfo).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys", m.getActiveKeysets).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{id}", m.getKeysetById).Methods(http.MethodGet)
	r.HandleFunc("/v1/keysets", m.getKeysetsList).Methods(http.MethodGet)
	r.HandleFunc("/v1/swap", m.swap).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11", m.meltQuoteRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11/{quote_id}", m.meltQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/melt/bolt11", m.meltTokens).Methods(http.MethodPost)
	r.HandleFunc("/v1/checkstate", m.checkState).Methods(http.MethodPost)
	r.HandleFunc("/v1/restore", m.restore).Methods(http.MethodPost)
	r.HandleFunc("/v1/ws", m.serveWS)

	m.server = httptest.NewServer(r)
	m.URL = m.server.URL
	return m
}

// NewKeyset generates an active sat keyset from a random seed.
func NewKeyset(inputFeePpk uint) *crypto.MintKeyset {
	return crypto.GenerateKeyset(uuid.NewString(), "0/0/0", inputFeePpk)
}

func (m *FakeMint) Close() {
	m.CloseWebsockets()
	m.server.Close()
}

// ActiveKeyset returns the last active keyset.
func (m *FakeMint) ActiveKeyset() *crypto.MintKeyset {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.keysets) - 1; i >= 0; i-- {
		if m.keysets[i].Active {
			return m.keysets[i]
		}
	}
	return nil
}

func (m *FakeMint) SetFeeReserve(feeReserve uint64) {
	m.mu.Lock()
	m.feeReserve = feeReserve
	m.mu.Unlock()
}

// SetLightningFee sets what paying an invoice actually costs, capped
// at the fee reserve.
func (m *FakeMint) SetLightningFee(fee uint64) {
	m.mu.Lock()
	m.lightningFee = fee
	m.mu.Unlock()
}

// SetMeltResult sets the outcome of the next melts: Paid, Pending or
// Unpaid for a failed payment.
func (m *FakeMint) SetMeltResult(state nut05.State) {
	m.mu.Lock()
	m.meltResult = state
	m.mu.Unlock()
}

func (m *FakeMint) SetQuoteExpiry(expiry time.Duration) {
	m.mu.Lock()
	m.quoteExpiry = expiry
	m.mu.Unlock()
}

func (m *FakeMint) DisableWebsockets() {
	m.mu.Lock()
	m.websockets = false
	m.mu.Unlock()
}

// LoseNextSwapResponse makes the next swap succeed but answer with an
// error, as if the response was lost.
func (m *FakeMint) LoseNextSwapResponse() {
	m.mu.Lock()
	m.loseSwapResponse = true
	m.mu.Unlock()
}

// FailNextSwap rejects the next swap with err.
func (m *FakeMint) FailNextSwap(err cashu.Error) {
	m.mu.Lock()
	m.swapErr = &err
	m.mu.Unlock()
}

func (m *FakeMint) SwapCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swapCalls
}

func (m *FakeMint) RestoreCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restoreCalls
}

// RegisterInvoice lets the mint reveal the invoice preimage once paid.
func (m *FakeMint) RegisterInvoice(invoice Invoice) {
	m.mu.Lock()
	m.preimages[invoice.PaymentHash] = invoice.Preimage
	m.mu.Unlock()
}

// MintProofs issues proofs with random secrets on keysetId.
func (m *FakeMint) MintProofs(keysetId string, amounts []uint64) (cashu.Proofs, error) {
	m.mu.Lock()
	keyset := m.keyset(keysetId)
	m.mu.Unlock()
	if keyset == nil {
		return nil, cashu.UnknownKeysetErr
	}

	proofs := make(cashu.Proofs, len(amounts))
	for i, amount := range amounts {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return nil, err
		}
		secret := hex.EncodeToString(secretBytes)

		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, err
		}
		C_ := crypto.SignBlindedMessage(B_, keyset.Keys[amount].PrivateKey)
		C := crypto.UnblindSignature(C_, r, keyset.Keys[amount].PublicKey)

		proofs[i] = cashu.Proof{
			Amount: amount,
			Id:     keysetId,
			Secret: secret,
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs, nil
}

// SpendProofs marks proofs spent, as a recipient claiming them would.
func (m *FakeMint) SpendProofs(proofs cashu.Proofs) {
	m.mu.Lock()
	states := m.setProofStates(proofs, nut07.Spent)
	m.mu.Unlock()
	m.notifyProofStates(states)
}

func (m *FakeMint) ProofState(secret string) nut07.State {
	Y, _ := crypto.HashToCurve([]byte(secret))
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proofStates[hex.EncodeToString(Y.SerializeCompressed())]
}

func (m *FakeMint) MeltQuote(quoteId string) (nut05.PostMeltQuoteBolt11Response, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	quote, ok := m.meltQuotes[quoteId]
	if !ok {
		return nut05.PostMeltQuoteBolt11Response{}, false
	}
	return quote.PostMeltQuoteBolt11Response, true
}

// SetMeltQuoteState moves a quote to state and notifies subscribers.
// Settling a pending quote as Paid also returns its change.
func (m *FakeMint) SetMeltQuoteState(quoteId string, state nut05.State) {
	m.mu.Lock()
	quote, ok := m.meltQuotes[quoteId]
	if !ok {
		m.mu.Unlock()
		return
	}
	var proofStates []nut07.ProofState
	switch state {
	case nut05.Paid:
		proofStates = m.settleMelt(quote)
	case nut05.Unpaid:
		proofStates = m.setProofStates(quote.inputs, nut07.Unspent)
		quote.State = nut05.Unpaid
	default:
		quote.State = state
	}
	response := quote.PostMeltQuoteBolt11Response
	m.mu.Unlock()

	m.notifyProofStates(proofStates)
	m.notifyMeltQuote(response)
}

func (m *FakeMint) keyset(id string) *crypto.MintKeyset {
	for _, keyset := range m.keysets {
		if keyset.Id == id {
			return keyset
		}
	}
	return nil
}

func (m *FakeMint) getInfo(rw http.ResponseWriter, req *http.Request) {
	m.mu.Lock()
	websockets := m.websockets
	m.mu.Unlock()

	info := nut06.MintInfo{
		Name:    "fake mint",
		Version: "nutsend/fake",
		Nuts: nut06.Nuts{
			Nut05: nut06.NutSetting{Methods: []nut06.MethodSetting{{Method: cashu.BOLT11_METHOD, Unit: cashu.Sat.String()}}},
			Nut07: nut06.Supported{Supported: true},
			Nut08: nut06.Supported{Supported: true},
			Nut09: nut06.Supported{Supported: true},
		},
	}
	if websockets {
		info.Nuts.Nut17 = &nut17.InfoSetting{
			Supported: []nut17.SupportedMethod{{
				Method:   cashu.BOLT11_METHOD,
				Unit:     cashu.Sat.String(),
				Commands: []string{nut17.Bolt11MeltQuote.String(), nut17.ProofState.String()},
			}},
		}
	}
	writeJson(rw, info)
}

func (m *FakeMint) getActiveKeysets(rw http.ResponseWriter, req *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	response := nut01.GetKeysResponse{Keysets: []nut01.Keyset{}}
	for _, keyset := range m.keysets {
		if keyset.Active {
			response.Keysets = append(response.Keysets,
				nut01.Keyset{Id: keyset.Id, Unit: keyset.Unit, Keys: keyset.DerivePublic()})
		}
	}
	writeJson(rw, response)
}

func (m *FakeMint) getKeysetById(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	m.mu.Lock()
	keyset := m.keyset(id)
	m.mu.Unlock()
	if keyset == nil {
		writeErr(rw, cashu.UnknownKeysetErr)
		return
	}
	writeJson(rw, nut01.GetKeysResponse{
		Keysets: []nut01.Keyset{{Id: keyset.Id, Unit: keyset.Unit, Keys: keyset.DerivePublic()}},
	})
}

func (m *FakeMint) getKeysetsList(rw http.ResponseWriter, req *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	response := nut02.GetKeysetsResponse{Keysets: []nut02.Keyset{}}
	for _, keyset := range m.keysets {
		response.Keysets = append(response.Keysets, nut02.Keyset{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		})
	}
	writeJson(rw, response)
}

func (m *FakeMint) swap(rw http.ResponseWriter, req *http.Request) {
	var swapRequest nut03.PostSwapRequest
	if err := json.NewDecoder(req.Body).Decode(&swapRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	m.mu.Lock()
	m.swapCalls++
	if m.swapErr != nil {
		err := *m.swapErr
		m.swapErr = nil
		m.mu.Unlock()
		writeErr(rw, err)
		return
	}

	if err := m.verifyInputs(swapRequest.Inputs); err != nil {
		m.mu.Unlock()
		writeErr(rw, *err)
		return
	}
	fees := m.inputFees(swapRequest.Inputs)
	if swapRequest.Inputs.Amount() != swapRequest.Outputs.Amount()+fees {
		m.mu.Unlock()
		writeErr(rw, cashu.InsufficientProofsAmount)
		return
	}

	signatures, cashuErr := m.signOutputs(swapRequest.Outputs)
	if cashuErr != nil {
		m.mu.Unlock()
		writeErr(rw, *cashuErr)
		return
	}
	proofStates := m.setProofStates(swapRequest.Inputs, nut07.Spent)

	lose := m.loseSwapResponse
	m.loseSwapResponse = false
	m.mu.Unlock()

	m.notifyProofStates(proofStates)
	if lose {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJson(rw, nut03.PostSwapResponse{Signatures: signatures})
}

func (m *FakeMint) meltQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	var meltQuoteRequest nut05.PostMeltQuoteBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&meltQuoteRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}
	if meltQuoteRequest.Unit != cashu.Sat.String() {
		writeErr(rw, cashu.Error{Detail: "unit not supported", Code: cashu.UnitErrCode})
		return
	}

	invoice, err := decodepay.Decodepay(meltQuoteRequest.Request)
	if err != nil {
		writeErr(rw, cashu.Error{Detail: "invalid invoice", Code: cashu.StandardErrCode})
		return
	}
	amountMsat := uint64(invoice.MSatoshi)
	if amountMsat == 0 {
		if meltQuoteRequest.Options == nil || meltQuoteRequest.Options.Amountless == nil {
			writeErr(rw, cashu.Error{Detail: "invoice has no amount", Code: cashu.StandardErrCode})
			return
		}
		amountMsat = meltQuoteRequest.Options.Amountless.AmountMsat
	}

	m.mu.Lock()
	quote := &meltQuote{
		PostMeltQuoteBolt11Response: nut05.PostMeltQuoteBolt11Response{
			Quote:      uuid.NewString(),
			Request:    meltQuoteRequest.Request,
			Amount:     (amountMsat + 999) / 1000,
			Unit:       meltQuoteRequest.Unit,
			FeeReserve: m.feeReserve,
			State:      nut05.Unpaid,
			Expiry:     time.Now().Add(m.quoteExpiry).Unix(),
		},
		paymentHash: invoice.PaymentHash,
	}
	m.meltQuotes[quote.Quote] = quote
	m.mu.Unlock()

	writeJson(rw, quote.PostMeltQuoteBolt11Response)
}

func (m *FakeMint) meltQuoteState(rw http.ResponseWriter, req *http.Request) {
	quote, ok := m.MeltQuote(mux.Vars(req)["quote_id"])
	if !ok {
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	writeJson(rw, quote)
}

func (m *FakeMint) meltTokens(rw http.ResponseWriter, req *http.Request) {
	var meltRequest nut05.PostMeltBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&meltRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	m.mu.Lock()
	quote, ok := m.meltQuotes[meltRequest.Quote]
	if !ok {
		m.mu.Unlock()
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	switch quote.State {
	case nut05.Pending:
		m.mu.Unlock()
		writeErr(rw, cashu.QuotePending)
		return
	case nut05.Paid:
		m.mu.Unlock()
		writeErr(rw, cashu.MeltQuoteAlreadyPaid)
		return
	}
	if time.Now().Unix() > quote.Expiry {
		m.mu.Unlock()
		writeErr(rw, cashu.MeltQuoteExpired)
		return
	}
	if err := m.verifyInputs(meltRequest.Inputs); err != nil {
		m.mu.Unlock()
		writeErr(rw, *err)
		return
	}
	if meltRequest.Inputs.Amount() < quote.Amount+quote.FeeReserve+m.inputFees(meltRequest.Inputs) {
		m.mu.Unlock()
		writeErr(rw, cashu.InsufficientProofsAmount)
		return
	}

	quote.inputs = meltRequest.Inputs
	quote.outputs = meltRequest.Outputs

	var proofStates []nut07.ProofState
	switch m.meltResult {
	case nut05.Paid:
		proofStates = m.settleMelt(quote)
	case nut05.Pending:
		quote.State = nut05.Pending
		proofStates = m.setProofStates(quote.inputs, nut07.Pending)
	default:
		m.mu.Unlock()
		writeErr(rw, cashu.Error{Detail: "payment failed", Code: cashu.StandardErrCode})
		return
	}
	response := quote.PostMeltQuoteBolt11Response
	m.mu.Unlock()

	m.notifyProofStates(proofStates)
	m.notifyMeltQuote(response)
	writeJson(rw, response)
}

// settleMelt marks the quote paid, spends its inputs and signs change
// on the blank outputs. m.mu must be held.
func (m *FakeMint) settleMelt(quote *meltQuote) []nut07.ProofState {
	fee := min(m.lightningFee, quote.FeeReserve)
	spent := quote.Amount + fee + m.inputFees(quote.inputs)
	change := quote.inputs.Amount() - spent

	if change > 0 && len(quote.outputs) > 0 {
		amounts := cashu.AmountSplit(change)
		n := min(len(amounts), len(quote.outputs))
		outputs := make(cashu.BlindedMessages, n)
		for i := 0; i < n; i++ {
			outputs[i] = quote.outputs[i]
			outputs[i].Amount = amounts[i]
		}
		signatures, _ := m.signOutputs(outputs)
		quote.Change = signatures
	}

	preimage, ok := m.preimages[quote.paymentHash]
	if !ok {
		preimage = FakePreimage
	}
	quote.Preimage = preimage
	quote.State = nut05.Paid
	return m.setProofStates(quote.inputs, nut07.Spent)
}

func (m *FakeMint) checkState(rw http.ResponseWriter, req *http.Request) {
	var stateRequest nut07.PostCheckStateRequest
	if err := json.NewDecoder(req.Body).Decode(&stateRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	m.mu.Lock()
	states := make([]nut07.ProofState, len(stateRequest.Ys))
	for i, Y := range stateRequest.Ys {
		states[i] = nut07.ProofState{Y: Y, State: m.proofStates[Y]}
	}
	m.mu.Unlock()

	writeJson(rw, nut07.PostCheckStateResponse{States: states})
}

func (m *FakeMint) restore(rw http.ResponseWriter, req *http.Request) {
	var restoreRequest nut09.PostRestoreRequest
	if err := json.NewDecoder(req.Body).Decode(&restoreRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	m.mu.Lock()
	m.restoreCalls++
	response := nut09.PostRestoreResponse{
		Outputs:    cashu.BlindedMessages{},
		Signatures: cashu.BlindedSignatures{},
	}
	for _, output := range restoreRequest.Outputs {
		if signature, ok := m.signed[output.B_]; ok {
			output.Amount = signature.Amount
			response.Outputs = append(response.Outputs, output)
			response.Signatures = append(response.Signatures, signature)
		}
	}
	m.mu.Unlock()

	writeJson(rw, response)
}

// verifyInputs checks signatures and that no input was spent before.
// m.mu must be held.
func (m *FakeMint) verifyInputs(inputs cashu.Proofs) *cashu.Error {
	if len(inputs) == 0 || cashu.CheckDuplicateProofs(inputs) {
		return &cashu.InvalidProofErr
	}
	for _, proof := range inputs {
		keyset := m.keyset(proof.Id)
		if keyset == nil {
			return &cashu.UnknownKeysetErr
		}
		key, ok := keyset.Keys[proof.Amount]
		if !ok {
			return &cashu.InvalidProofErr
		}
		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return &cashu.InvalidProofErr
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil || !crypto.Verify(proof.Secret, key.PrivateKey, C) {
			return &cashu.InvalidProofErr
		}

		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return &cashu.InvalidProofErr
		}
		if m.proofStates[hex.EncodeToString(Y.SerializeCompressed())] != nut07.Unspent {
			return &cashu.ProofAlreadyUsedErr
		}
	}
	return nil
}

func (m *FakeMint) inputFees(inputs cashu.Proofs) uint64 {
	var ppk uint64
	for _, proof := range inputs {
		if keyset := m.keyset(proof.Id); keyset != nil {
			ppk += uint64(keyset.InputFeePpk)
		}
	}
	return (ppk + 999) / 1000
}

// signOutputs signs each output once. m.mu must be held.
func (m *FakeMint) signOutputs(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, *cashu.Error) {
	for _, output := range outputs {
		if _, ok := m.signed[output.B_]; ok {
			return nil, &cashu.BlindedMessageAlreadySigned
		}
	}

	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		keyset := m.keyset(output.Id)
		if keyset == nil || !keyset.Active {
			return nil, &cashu.Error{Detail: "keyset is not active", Code: cashu.InactiveKeysetErrCode}
		}
		key, ok := keyset.Keys[output.Amount]
		if !ok {
			return nil, &cashu.StandardErr
		}
		B_bytes, err := hex.DecodeString(output.B_)
		if err != nil {
			return nil, &cashu.StandardErr
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, &cashu.StandardErr
		}
		C_ := crypto.SignBlindedMessage(B_, key.PrivateKey)
		signatures[i] = cashu.BlindedSignature{
			Amount: output.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     keyset.Id,
		}
	}

	for i, output := range outputs {
		m.signed[output.B_] = signatures[i]
	}
	return signatures, nil
}

// setProofStates records state for proofs. m.mu must be held.
func (m *FakeMint) setProofStates(proofs cashu.Proofs, state nut07.State) []nut07.ProofState {
	states := make([]nut07.ProofState, 0, len(proofs))
	for _, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			continue
		}
		Yhex := hex.EncodeToString(Y.SerializeCompressed())
		if state == nut07.Unspent {
			delete(m.proofStates, Yhex)
		} else {
			m.proofStates[Yhex] = state
		}
		states = append(states, nut07.ProofState{Y: Yhex, State: state})
	}
	return states
}

func writeJson(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(v)
}

func writeErr(rw http.ResponseWriter, err cashu.Error) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(rw).Encode(err)
}
