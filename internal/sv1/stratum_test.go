package sv1

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSubscribeParamsFullPayload(t *testing.T) {
	raw := json.RawMessage(`["cgminer/4.10.0", "sessionabc", "pool.example", 34255]`)
	p, err := ParseSubscribeParams(raw)
	require.NoError(t, err)
	require.Equal(t, "cgminer/4.10.0", p.UserAgent)
	require.Equal(t, "sessionabc", p.SessionID)
	require.Equal(t, "pool.example", p.Host)
	require.Equal(t, 34255, p.Port)
}

func TestParseSubscribeParamsPartialPayload(t *testing.T) {
	raw := json.RawMessage(`["cgminer/4.10.0"]`)
	p, err := ParseSubscribeParams(raw)
	require.NoError(t, err)
	require.Equal(t, "cgminer/4.10.0", p.UserAgent)
	require.Empty(t, p.SessionID)
	require.Equal(t, 0, p.Port)
}

func TestParseSubscribeParamsInvalidJSONReturnsEmptyNotError(t *testing.T) {
	p, err := ParseSubscribeParams(json.RawMessage(`not json`))
	require.NoError(t, err)
	require.Equal(t, &SubscribeParams{}, p)
}

func TestParseAuthorizeParams(t *testing.T) {
	raw := json.RawMessage(`["alice.worker1", "x"]`)
	p, err := ParseAuthorizeParams(raw)
	require.NoError(t, err)
	require.Equal(t, "alice.worker1", p.Username)
	require.Equal(t, "x", p.Password)
}

func TestParseAuthorizeParamsInvalidJSONErrors(t *testing.T) {
	_, err := ParseAuthorizeParams(json.RawMessage(`not json`))
	require.Error(t, err)
}

func TestParseSubmitParamsValid(t *testing.T) {
	raw := json.RawMessage(`["alice.worker1", "42#1", "00112233", "5f5e100", "deadbeef"]`)
	p, err := ParseSubmitParams(raw)
	require.NoError(t, err)
	require.Equal(t, "alice.worker1", p.WorkerName)
	require.Equal(t, "42#1", p.JobID)
	require.Equal(t, "00112233", p.Extranonce2)
	require.Equal(t, "5f5e100", p.NTime)
	require.Equal(t, "deadbeef", p.Nonce)
	require.Empty(t, p.VersionBits)
}

func TestParseSubmitParamsWithVersionBits(t *testing.T) {
	raw := json.RawMessage(`["alice.worker1", "42#1", "00112233", "5f5e100", "deadbeef", "1fffe000"]`)
	p, err := ParseSubmitParams(raw)
	require.NoError(t, err)
	require.Equal(t, "1fffe000", p.VersionBits)
}

func TestParseSubmitParamsRejectsTooFewParams(t *testing.T) {
	raw := json.RawMessage(`["alice.worker1", "42#1"]`)
	_, err := ParseSubmitParams(raw)
	require.ErrorIs(t, err, ErrInvalidParamsError)
}

func TestStratumErrorToJSON(t *testing.T) {
	e := NewError(ErrDuplicateShare, "Duplicate share")
	require.Equal(t, []interface{}{22, "Duplicate share", nil}, e.ToJSON())
	require.Equal(t, "Duplicate share", e.Error())
}

func TestSubmitParamsValidateRequiresKeepaliveJobId(t *testing.T) {
	p := &SubmitParams{JobID: "42", NTime: "5f5e1000", Nonce: "deadbeef"}
	err := p.Validate()
	require.Error(t, err)
	se, ok := err.(*StratumError)
	require.True(t, ok)
	require.Equal(t, ErrJobNotFound, se.Code)

	p.JobID = "42#3"
	require.NoError(t, p.Validate())
}

func TestSubmitParamsValidateRequiresNTimeAndNonce(t *testing.T) {
	p := &SubmitParams{JobID: "42#0", NTime: "", Nonce: "deadbeef"}
	require.Error(t, p.Validate())

	p.NTime = "5f5e1000"
	p.Nonce = ""
	require.Error(t, p.Validate())
}
