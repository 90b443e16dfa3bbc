package wallet

import (
	"context"

	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/cashu/nuts/nut01"
	"github.com/elnosh/nutsend/cashu/nuts/nut02"
	"github.com/elnosh/nutsend/cashu/nuts/nut03"
	"github.com/elnosh/nutsend/cashu/nuts/nut05"
	"github.com/elnosh/nutsend/cashu/nuts/nut06"
	"github.com/elnosh/nutsend/cashu/nuts/nut07"
	"github.com/elnosh/nutsend/cashu/nuts/nut09"
	"github.com/elnosh/nutsend/crypto"
)

// MintClient is the mint API used by the wallet.
type MintClient interface {
	MintURL() string
	GetMintInfo(ctx context.Context) (*nut06.MintInfo, error)
	GetAllKeysets(ctx context.Context) (*nut02.GetKeysetsResponse, error)
	GetKeysetById(ctx context.Context, id string) (*nut01.GetKeysResponse, error)
	PostSwap(ctx context.Context, swapRequest nut03.PostSwapRequest) (*nut03.PostSwapResponse, error)
	PostMeltQuoteBolt11(ctx context.Context, request nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	GetMeltQuoteState(ctx context.Context, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error)
	PostMeltBolt11(ctx context.Context, request nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	PostCheckProofState(ctx context.Context, request nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error)
	PostRestore(ctx context.Context, request nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error)
}

type MintClients interface {
	Client(mintURL string) MintClient
}

// KeysetProvider returns a mint's keysets for a unit.
type KeysetProvider interface {
	Keysets(ctx context.Context, mintURL string, unit cashu.Unit) (Keysets, error)
	ActiveKeyset(ctx context.Context, mintURL string, unit cashu.Unit) (*crypto.WalletKeyset, error)
}
