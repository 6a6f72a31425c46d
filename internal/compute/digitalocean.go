package compute

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/digitalocean/godo"
	"go.uber.org/zap"

	"vpsforge/internal/logging"
	"vpsforge/internal/provider"
)

const providerName = "compute"

// createPollInterval is how often Create checks whether the droplet is up
const createPollInterval = 5 * time.Second

// DOClient implements the Client interface for DigitalOcean
type DOClient struct {
	client *godo.Client
}

// NewDOClient creates a new DigitalOcean compute client
func NewDOClient(token string) *DOClient {
	return &DOClient{
		client: godo.NewFromToken(token),
	}
}

// Create creates a new droplet and waits for it to become active
func (c *DOClient) Create(ctx context.Context, spec CreateSpec) (*Instance, error) {
	createRequest := &godo.DropletCreateRequest{
		Name:   spec.Name,
		Region: spec.Location,
		Size:   spec.ServerType,
		Image: godo.DropletCreateImage{
			Slug: spec.Image,
		},
		UserData: spec.UserData,
	}

	droplet, resp, err := c.client.Droplets.Create(ctx, createRequest)
	if err != nil {
		return nil, classify("create", resp, err)
	}

	// Wait for the droplet to come up and report a public address. The
	// droplet already exists from here on, so any exit without a confirmed
	// Instance must delete it: a caller that never learns the droplet ID
	// can never clean it up.
	for {
		d, resp, err := c.client.Droplets.Get(ctx, droplet.ID)
		if err != nil {
			c.deleteUnconfirmed(droplet.ID)
			return nil, classify("create", resp, err)
		}

		if d.Status == StatusActive {
			ip, err := d.PublicIPv4()
			if err != nil {
				c.deleteUnconfirmed(droplet.ID)
				return nil, provider.Classify(providerName, "create", 0, fmt.Errorf("droplet has no public IPv4: %w", err))
			}
			return &Instance{
				ProviderID: strconv.Itoa(d.ID),
				PublicIP:   ip,
				Status:     d.Status,
			}, nil
		}

		select {
		case <-ctx.Done():
			c.deleteUnconfirmed(droplet.ID)
			return nil, provider.Classify(providerName, "create", 0, fmt.Errorf("waiting for droplet %d to become active: %w", droplet.ID, ctx.Err()))
		case <-time.After(createPollInterval):
		}
	}
}

// deleteUnconfirmed is the best-effort delete of a droplet whose creation
// could not be confirmed. It runs on a fresh context because the caller's
// may already be cancelled.
func (c *DOClient) deleteUnconfirmed(id int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := c.client.Droplets.Delete(ctx, id)
	if err != nil && !isNotFound(resp) {
		logging.Logger().Error("Failed to delete unconfirmed droplet",
			zap.Int("droplet_id", id),
			zap.Error(err),
		)
	}
}

// Delete destroys a droplet. A 404 means the droplet is already gone and is
// treated as success so teardown stays idempotent.
func (c *DOClient) Delete(ctx context.Context, providerID string) error {
	id, err := parseID(providerID)
	if err != nil {
		return err
	}

	resp, err := c.client.Droplets.Delete(ctx, id)
	if err != nil {
		if isNotFound(resp) {
			return nil
		}
		return classify("delete", resp, err)
	}
	return nil
}

// PowerOn powers a droplet on
func (c *DOClient) PowerOn(ctx context.Context, providerID string) error {
	return c.action(ctx, providerID, "power_on", func(id int) (*godo.Action, *godo.Response, error) {
		return c.client.DropletActions.PowerOn(ctx, id)
	})
}

// PowerOff forces a droplet off
func (c *DOClient) PowerOff(ctx context.Context, providerID string) error {
	return c.action(ctx, providerID, "power_off", func(id int) (*godo.Action, *godo.Response, error) {
		return c.client.DropletActions.PowerOff(ctx, id)
	})
}

// Reboot reboots a droplet
func (c *DOClient) Reboot(ctx context.Context, providerID string) error {
	return c.action(ctx, providerID, "reboot", func(id int) (*godo.Action, *godo.Response, error) {
		return c.client.DropletActions.Reboot(ctx, id)
	})
}

// Shutdown requests a graceful guest shutdown
func (c *DOClient) Shutdown(ctx context.Context, providerID string) error {
	return c.action(ctx, providerID, "shutdown", func(id int) (*godo.Action, *godo.Response, error) {
		return c.client.DropletActions.Shutdown(ctx, id)
	})
}

// ChangeType resizes the droplet to a new size slug, keeping the disk size
func (c *DOClient) ChangeType(ctx context.Context, providerID, newType string) error {
	return c.action(ctx, providerID, "resize", func(id int) (*godo.Action, *godo.Response, error) {
		return c.client.DropletActions.Resize(ctx, id, newType, false)
	})
}

// GetStatus returns the droplet status string
func (c *DOClient) GetStatus(ctx context.Context, providerID string) (string, error) {
	id, err := parseID(providerID)
	if err != nil {
		return "", err
	}

	d, resp, err := c.client.Droplets.Get(ctx, id)
	if err != nil {
		return "", classify("get_status", resp, err)
	}
	return d.Status, nil
}

func (c *DOClient) action(ctx context.Context, providerID, op string, fn func(id int) (*godo.Action, *godo.Response, error)) error {
	id, err := parseID(providerID)
	if err != nil {
		return err
	}

	_, resp, err := fn(id)
	if err != nil {
		return classify(op, resp, err)
	}
	return nil
}

func parseID(providerID string) (int, error) {
	id, err := strconv.Atoi(providerID)
	if err != nil {
		return 0, &provider.Error{
			Provider: providerName,
			Op:       "parse_id",
			Err:      fmt.Errorf("invalid provider instance ID %q: %w", providerID, err),
		}
	}
	return id, nil
}

func isNotFound(resp *godo.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusNotFound
}

// classify maps a godo error to the shared provider error taxonomy
func classify(op string, resp *godo.Response, err error) error {
	code := 0
	if resp != nil {
		code = resp.StatusCode
	} else {
		var errResp *godo.ErrorResponse
		if errors.As(err, &errResp) && errResp.Response != nil {
			code = errResp.Response.StatusCode
		}
	}
	return provider.Classify(providerName, op, code, err)
}
