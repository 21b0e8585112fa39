// Package gcpadapter discovers Compute Engine instances for one GCP
// project across its configured zones, using the generated
// google.golang.org/api/compute/v1 client.
package gcpadapter

import (
	"context"
	"fmt"

	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/option"

	"github.com/nimbusgraph/graphcore/internal/discovery"
	"github.com/nimbusgraph/graphcore/internal/discovery/pageloop"
	"github.com/nimbusgraph/graphcore/internal/model"
	"github.com/nimbusgraph/graphcore/internal/tenancy"
)

type Adapter struct {
	PageloopConfig pageloop.Config
}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Provider() model.Provider { return model.ProviderGCP }

func (a *Adapter) Discover(ctx context.Context, account *tenancy.CloudAccount) (discovery.DiscoverResult, error) {
	opts := []option.ClientOption{option.WithScopes(compute.ComputeReadonlyScope)}
	if account.Auth.ServiceAccountJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(account.Auth.ServiceAccountJSON)))
	}

	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return discovery.DiscoverResult{}, fmt.Errorf("gcpadapter: new compute service: %w", err)
	}

	var result discovery.DiscoverResult
	zones := account.Regions
	if len(zones) == 0 {
		zones = []string{"us-central1-a"}
	}

	for _, zone := range zones {
		if err := a.discoverInstances(ctx, service, account.Account, zone, &result); err != nil {
			result.Errors = append(result.Errors, discovery.DiscoveryError{Scope: "compute.instances:" + zone, Message: err.Error()})
		}
	}

	return result, nil
}

func (a *Adapter) discoverInstances(ctx context.Context, service *compute.Service, project, zone string, result *discovery.DiscoverResult) error {
	call := service.Instances.List(project, zone)

	return pageloop.Run(ctx, a.PageloopConfig, func(ctx context.Context, cursor string) (*compute.InstanceList, string, error) {
		req := call
		if cursor != "" {
			req = req.PageToken(cursor)
		}
		page, err := req.Context(ctx).Do()
		if err != nil {
			return nil, "", err
		}
		return page, page.NextPageToken, nil
	}, func(page *compute.InstanceList) error {
		for _, instance := range page.Items {
			result.Nodes = append(result.Nodes, instanceToNode(instance, zone))
		}
		return nil
	})
}

func instanceToNode(instance *compute.Instance, zone string) discovery.NodeInput {
	tags := make(map[string]string, len(instance.Labels))
	for k, v := range instance.Labels {
		tags[k] = v
	}
	return discovery.NodeInput{
		NativeID:     fmt.Sprintf("%d", instance.Id),
		Name:         instance.Name,
		Region:       zone,
		ResourceType: model.ResourceCompute,
		Status:       instanceStatusToStatus(instance.Status),
		Tags:         tags,
		Metadata: map[string]any{
			"discoverySource": "gcp-compute",
			"machineType":     instance.MachineType,
			"zone":            zone,
			"selfLink":        instance.SelfLink,
		},
	}
}

func instanceStatusToStatus(status string) model.ResourceStatus {
	switch status {
	case "RUNNING":
		return model.StatusRunning
	case "STOPPED", "STOPPING", "SUSPENDED", "SUSPENDING", "TERMINATED":
		return model.StatusStopped
	default:
		return model.StatusUnknown
	}
}
