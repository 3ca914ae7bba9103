package toolsurface

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
)

// DeviceCommander is the subset of *deviceclient.Client the tool surface
// needs: an authenticated GET against the Miniserver's HTTP API.
type DeviceCommander interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// llValue mirrors the Miniserver's {"LL":{"Code":..,"value":..}} envelope
// (SPEC_FULL.md §6.1). Duplicated in miniature from internal/auth's
// unexported decoder since that lives behind C1's package boundary and this
// is the only other caller of the control/io endpoints.
type llValue struct {
	LL struct {
		Code  json.RawMessage `json:"Code"`
		Value json.RawMessage `json:"value"`
	} `json:"LL"`
}

// sendControl issues "/jdev/sps/io/<uuid>/<command>" and decodes the LL
// envelope, returning the raw value field for callers to interpret
// (SPEC_FULL.md §6.1 "Control commands").
func sendControl(ctx context.Context, commander DeviceCommander, uuid, command string) (json.RawMessage, error) {
	path := fmt.Sprintf("/jdev/sps/io/%s/%s", uuid, command)
	body, err := commander.Get(ctx, path)
	if err != nil {
		return nil, err
	}

	var env llValue
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, loxerr.Wrap(loxerr.KindHTTPDecode, "decoding control response", err)
	}
	code := string(env.LL.Code)
	if code != `"200"` && code != "200" {
		return nil, loxerr.New(loxerr.KindHTTPStatus, fmt.Sprintf("control command %q returned LL code %s", command, code))
	}
	return env.LL.Value, nil
}
