package ot2api

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	robot "ot2-driver/internal/robot/domain"
)

// Client maps OT-2 REST endpoints onto single transport calls.
type Client struct {
	transport *Transport
}

// NewClient constructs a resource client.
func NewClient(transport *Transport) (*Client, error) {
	if transport == nil {
		return nil, errors.New("ot2api: nil transport")
	}
	return &Client{transport: transport}, nil
}

// Transport exposes the underlying transport for untyped endpoints.
func (c *Client) Transport() *Transport {
	return c.transport
}

// Health returns basic robot identity.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	if err := c.transport.Get(ctx, "/health", &resp); err != nil {
		return Health{}, err
	}
	return resp, nil
}

// GetLights returns the rail light state.
func (c *Client) GetLights(ctx context.Context) (Lights, error) {
	var resp Lights
	if err := c.transport.Get(ctx, "/robot/lights", &resp); err != nil {
		return Lights{}, err
	}
	return resp, nil
}

// SetLights switches the rail lights.
func (c *Client) SetLights(ctx context.Context, on bool) (Lights, error) {
	var resp Lights
	if err := c.transport.PostJSON(ctx, "/robot/lights", Lights{On: on}, &resp); err != nil {
		return Lights{}, err
	}
	return resp, nil
}

// Home homes the robot with the given pipette mount.
func (c *Client) Home(ctx context.Context, mount robot.Mount) error {
	if _, ok := robot.ParseMount(string(mount)); !ok {
		return errors.New("ot2api: invalid mount")
	}
	return c.transport.PostJSON(ctx, "/robot/home", homeRequest{Target: "robot", Mount: mount}, nil)
}

// GetPositions returns the named robot positions.
func (c *Client) GetPositions(ctx context.Context) (map[string]any, error) {
	resp := map[string]any{}
	if err := c.transport.Get(ctx, "/robot/positions", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// UploadProtocol uploads a protocol file and returns its id.
func (c *Client) UploadProtocol(ctx context.Context, data []byte, filename string) (string, error) {
	if filename == "" {
		return "", errors.New("ot2api: empty protocol filename")
	}
	var resp envelope[Protocol]
	if err := c.transport.PostMultipart(ctx, "/protocols", defaultProtocolsField, data, filename, &resp); err != nil {
		return "", err
	}
	if resp.Data.ID == "" {
		return "", &TransportError{Kind: KindDecode, Method: http.MethodPost, Path: "/protocols", Err: errors.New("missing protocol id")}
	}
	return resp.Data.ID, nil
}

// ListProtocols lists uploaded protocols.
func (c *Client) ListProtocols(ctx context.Context) ([]Protocol, error) {
	var resp envelope[[]Protocol]
	if err := c.transport.Get(ctx, "/protocols", &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetProtocol fetches one protocol.
func (c *Client) GetProtocol(ctx context.Context, protocolID string) (Protocol, error) {
	if protocolID == "" {
		return Protocol{}, errors.New("ot2api: empty protocol id")
	}
	var resp envelope[Protocol]
	if err := c.transport.Get(ctx, "/protocols/"+url.PathEscape(protocolID), &resp); err != nil {
		return Protocol{}, err
	}
	return resp.Data, nil
}

// DeleteProtocol removes an uploaded protocol.
func (c *Client) DeleteProtocol(ctx context.Context, protocolID string) error {
	if protocolID == "" {
		return errors.New("ot2api: empty protocol id")
	}
	return c.transport.Delete(ctx, "/protocols/"+url.PathEscape(protocolID), nil)
}

// CreateRun creates a run. An empty protocolID creates a run for command
// streaming.
func (c *Client) CreateRun(ctx context.Context, protocolID string) (robot.Run, error) {
	var body any
	if protocolID != "" {
		body = envelope[createRunRequest]{Data: createRunRequest{ProtocolID: protocolID}}
	}
	var resp envelope[runData]
	if err := c.transport.PostJSON(ctx, "/runs", body, &resp); err != nil {
		return robot.Run{}, err
	}
	if resp.Data.ID == "" {
		return robot.Run{}, &TransportError{Kind: KindDecode, Method: http.MethodPost, Path: "/runs", Err: errors.New("missing run id")}
	}
	return resp.Data.toRun(), nil
}

// PostAction posts a play, pause or stop action. Only transport failures are
// errors; a server refusal comes back as a rejected result.
func (c *Client) PostAction(ctx context.Context, runID string, action robot.Action) (ActionResult, error) {
	if runID == "" {
		return ActionResult{}, errors.New("ot2api: empty run id")
	}
	switch action {
	case robot.ActionPlay, robot.ActionPause, robot.ActionStop:
	default:
		return ActionResult{}, errors.New("ot2api: invalid action")
	}
	path := "/runs/" + url.PathEscape(runID) + "/actions"
	resp, err := c.transport.Request(ctx, http.MethodPost, path, envelope[actionRequest]{Data: actionRequest{ActionType: action}}, nil)
	if err != nil && !IsKind(err, KindHTTPStatus) {
		return ActionResult{}, err
	}
	result := ActionResult{Action: action, StatusCode: resp.StatusCode}
	if resp.StatusCode != http.StatusCreated {
		result.Detail = errorDetail(resp.Body)
		return result, nil
	}
	var data envelope[actionData]
	if err := decode(http.MethodPost, path, resp, &data); err != nil {
		return ActionResult{}, err
	}
	result.Accepted = true
	result.ActionID = data.Data.ID
	return result, nil
}

// GetRun fetches a run.
func (c *Client) GetRun(ctx context.Context, runID string) (robot.Run, error) {
	if runID == "" {
		return robot.Run{}, errors.New("ot2api: empty run id")
	}
	var resp envelope[runData]
	if err := c.transport.Get(ctx, "/runs/"+url.PathEscape(runID), &resp); err != nil {
		return robot.Run{}, err
	}
	return resp.Data.toRun(), nil
}

// GetCommands lists the commands of a run.
func (c *Client) GetCommands(ctx context.Context, runID string) ([]robot.Command, error) {
	if runID == "" {
		return nil, errors.New("ot2api: empty run id")
	}
	var resp envelope[[]robot.Command]
	if err := c.transport.Get(ctx, "/runs/"+url.PathEscape(runID)+"/commands", &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ListRuns lists runs in server order.
func (c *Client) ListRuns(ctx context.Context) ([]robot.RunSummary, error) {
	var resp envelope[[]runData]
	if err := c.transport.Get(ctx, "/runs", &resp); err != nil {
		return nil, err
	}
	runs := make([]robot.RunSummary, 0, len(resp.Data))
	for _, item := range resp.Data {
		runs = append(runs, robot.RunSummary{
			ID:         item.ID,
			ProtocolID: item.ProtocolID,
			Status:     item.Status,
			Current:    item.Current,
		})
	}
	return runs, nil
}

// DeleteRun removes a run.
func (c *Client) DeleteRun(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.New("ot2api: empty run id")
	}
	return c.transport.Delete(ctx, "/runs/"+url.PathEscape(runID), nil)
}

// EnqueueCommand adds a command to a run and returns the command id.
func (c *Client) EnqueueCommand(ctx context.Context, runID, commandType string, params map[string]any, intent robot.Intent) (string, error) {
	if runID == "" || commandType == "" {
		return "", errors.New("ot2api: invalid command args")
	}
	if intent == "" {
		intent = robot.IntentSetup
	}
	if params == nil {
		params = map[string]any{}
	}
	path := "/runs/" + url.PathEscape(runID) + "/commands"
	body := envelope[commandRequest]{Data: commandRequest{CommandType: commandType, Params: params, Intent: intent}}
	var resp envelope[robot.Command]
	if err := c.transport.PostJSON(ctx, path, body, &resp); err != nil {
		return "", err
	}
	if resp.Data.ID == "" {
		return "", &TransportError{Kind: KindDecode, Method: http.MethodPost, Path: path, Err: errors.New("missing command id")}
	}
	return resp.Data.ID, nil
}
