package core

import (
	"encoding/json"
	"fmt"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"

	"ForwardLedger/internal/market"
	"ForwardLedger/internal/oracle"
	"ForwardLedger/internal/types"
)

// CommandType names an engine operation.
type CommandType string

const (
	CmdDeployMarket       CommandType = "deploy_market"
	CmdCreatePosition     CommandType = "create_position"
	CmdSettle             CommandType = "settle"
	CmdRedeem             CommandType = "redeem"
	CmdSetMarketPaused    CommandType = "set_market_paused"
	CmdRetryFeeRouting    CommandType = "retry_fee_routing"
	CmdSetFactoryPaused   CommandType = "set_factory_paused"
	CmdUpdateOracle       CommandType = "update_oracle"
	CmdUpdateFeeCollector CommandType = "update_fee_collector"
	CmdUpdateGuardian     CommandType = "update_guardian"
	CmdConfigureOracle    CommandType = "configure_oracle"
	CmdFetchPrice         CommandType = "fetch_price"
	CmdSetOraclePaused    CommandType = "set_oracle_paused"
	CmdWithdrawFees       CommandType = "withdraw_fees"
	CmdSetTreasury        CommandType = "set_treasury"
	CmdRecordObservation  CommandType = "record_observation"
	CmdStorageDeposit     CommandType = "storage_deposit"
	CmdTransfer           CommandType = "transfer"
	CmdMint               CommandType = "mint"
)

var commandTypes = map[CommandType]struct{}{
	CmdDeployMarket: {}, CmdCreatePosition: {}, CmdSettle: {}, CmdRedeem: {},
	CmdSetMarketPaused: {}, CmdRetryFeeRouting: {}, CmdSetFactoryPaused: {},
	CmdUpdateOracle: {}, CmdUpdateFeeCollector: {}, CmdUpdateGuardian: {},
	CmdConfigureOracle: {}, CmdFetchPrice: {}, CmdSetOraclePaused: {},
	CmdWithdrawFees: {}, CmdSetTreasury: {}, CmdRecordObservation: {},
	CmdStorageDeposit: {}, CmdTransfer: {}, CmdMint: {},
}

func (t CommandType) Valid() bool {
	_, ok := commandTypes[t]
	return ok
}

// Command is one request to the engine. At is the protocol time of the
// command; the engine stamps it when zero and every component reads it
// through the engine clock, so replaying a logged command is deterministic.
type Command struct {
	RequestID string          `json:"request_id"`
	Type      CommandType     `json:"type"`
	Caller    types.AccountID `json:"caller"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Producer and ProducerSeq are optional. When Producer is set the
	// engine requires ProducerSeq to advance by exactly one per command.
	Producer    string `json:"producer,omitempty"`
	ProducerSeq int64  `json:"producer_seq,omitempty"`
}

// NewCommand encodes payload into a command.
func NewCommand(requestID string, typ CommandType, caller types.AccountID, payload interface{}) (Command, error) {
	cmd := Command{RequestID: requestID, Type: typ, Caller: caller}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Command{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		cmd.Payload = raw
	}
	return cmd, nil
}

func (c Command) decode(into interface{}) error {
	if len(c.Payload) == 0 {
		return errorsmod.Wrapf(types.ErrMalformedCommand, "%s: empty payload", c.Type)
	}
	if err := json.Unmarshal(c.Payload, into); err != nil {
		return errorsmod.Wrapf(types.ErrMalformedCommand, "%s: %v", c.Type, err)
	}
	return nil
}

// --- payloads ---

type DeployMarketPayload struct {
	Params  market.Params `json:"params"`
	Deposit sdkmath.Int   `json:"deposit"`
}

// MarketRef accepts either a params key or a market id.
type MarketRef struct {
	Market string `json:"market"`
}

type CreatePositionPayload struct {
	Market string      `json:"market"`
	Amount sdkmath.Int `json:"amount"`
}

type RedeemPayload struct {
	Market      string      `json:"market"`
	LongAmount  sdkmath.Int `json:"long_amount"`
	ShortAmount sdkmath.Int `json:"short_amount"`
}

type SetMarketPausedPayload struct {
	Market      string `json:"market"`
	PauseMint   bool   `json:"pause_mint"`
	PauseSettle bool   `json:"pause_settle"`
}

type PausePayload struct {
	Paused bool `json:"paused"`
}

type AccountPayload struct {
	Account types.AccountID `json:"account"`
}

type ConfigureOraclePayload struct {
	Pair   oracle.Pair   `json:"pair"`
	Config oracle.Config `json:"config"`
}

type FetchPricePayload struct {
	Pair oracle.Pair `json:"pair"`
	// Persist requires the durable store write to succeed.
	Persist bool `json:"persist"`
}

type WithdrawFeesPayload struct {
	Token  types.AccountID `json:"token"`
	Amount *sdkmath.Int    `json:"amount,omitempty"`
}

type ObservationPayload struct {
	Sequence int64             `json:"sequence"`
	Update   oracle.PoolUpdate `json:"update"`
}

type StorageDepositPayload struct {
	Token types.AccountID `json:"token"`
	// Account defaults to the caller.
	Account types.AccountID `json:"account,omitempty"`
}

type TransferPayload struct {
	Token    types.AccountID `json:"token"`
	Receiver types.AccountID `json:"receiver"`
	Amount   sdkmath.Int     `json:"amount"`
	Memo     string          `json:"memo,omitempty"`
}

type MintPayload struct {
	Token   types.AccountID `json:"token"`
	Account types.AccountID `json:"account"`
	Amount  sdkmath.Int     `json:"amount"`
}

// --- results ---

type DeployResult struct {
	Market  market.Info `json:"market"`
	Created bool        `json:"created"`
}

type AmountResult struct {
	Amount sdkmath.Int `json:"amount"`
}

type RegisteredResult struct {
	Registered bool `json:"registered"`
}

type ObservationResult struct {
	Accepted bool `json:"accepted"`
}
