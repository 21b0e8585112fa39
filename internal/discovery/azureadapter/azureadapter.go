// Package azureadapter discovers generic ARM resources for one Azure
// subscription and classifies them into the closed resourceType
// taxonomy by their ARM type prefix.
package azureadapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"

	"github.com/nimbusgraph/graphcore/internal/discovery"
	"github.com/nimbusgraph/graphcore/internal/model"
	"github.com/nimbusgraph/graphcore/internal/tenancy"
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Provider() model.Provider { return model.ProviderAzure }

func (a *Adapter) Discover(ctx context.Context, account *tenancy.CloudAccount) (discovery.DiscoverResult, error) {
	cred, err := a.credential(account)
	if err != nil {
		return discovery.DiscoverResult{}, fmt.Errorf("azureadapter: credential: %w", err)
	}

	client, err := armresources.NewClient(account.Account, cred, nil)
	if err != nil {
		return discovery.DiscoverResult{}, fmt.Errorf("azureadapter: new client: %w", err)
	}

	var result discovery.DiscoverResult
	pager := client.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			result.Errors = append(result.Errors, discovery.DiscoveryError{Scope: "armresources:list", Message: err.Error()})
			break
		}
		for _, res := range page.Value {
			if res == nil || res.ID == nil {
				continue
			}
			result.Nodes = append(result.Nodes, resourceToNode(res))
		}
	}

	return result, nil
}

func (a *Adapter) credential(account *tenancy.CloudAccount) (azcore.TokenCredential, error) {
	if account.Auth.Method == tenancy.AuthServicePrincipal && account.Auth.ClientID != "" {
		return azidentity.NewClientSecretCredential(account.Auth.TenantID, account.Auth.ClientID, account.Auth.ClientSecret, nil)
	}
	return azidentity.NewDefaultAzureCredential(nil)
}

func resourceToNode(res *armresources.GenericResourceExpanded) discovery.NodeInput {
	resourceType := model.ResourceCustom
	armType := ""
	if res.Type != nil {
		armType = *res.Type
		resourceType = classifyARMType(armType)
	}
	name := ""
	if res.Name != nil {
		name = *res.Name
	}
	region := "global"
	if res.Location != nil && *res.Location != "" {
		region = *res.Location
	}
	tags := make(map[string]string, len(res.Tags))
	for k, v := range res.Tags {
		if v != nil {
			tags[k] = *v
		}
	}
	return discovery.NodeInput{
		NativeID:     *res.ID,
		Name:         name,
		Region:       region,
		ResourceType: resourceType,
		Status:       model.StatusRunning,
		Tags:         tags,
		Metadata: map[string]any{
			"discoverySource": "azure-armresources",
			"armType":         armType,
		},
	}
}

// classifyARMType maps an ARM resource type string like
// "Microsoft.Compute/virtualMachines" onto the closed resourceType
// taxonomy by matching well-known namespace/type prefixes.
func classifyARMType(armType string) model.ResourceType {
	lower := strings.ToLower(armType)
	switch {
	case strings.HasPrefix(lower, "microsoft.compute/virtualmachines"):
		return model.ResourceCompute
	case strings.HasPrefix(lower, "microsoft.sql"), strings.HasPrefix(lower, "microsoft.dbfor"):
		return model.ResourceDatabase
	case strings.HasPrefix(lower, "microsoft.storage"):
		return model.ResourceStorage
	case strings.HasPrefix(lower, "microsoft.network/virtualnetworks"):
		return model.ResourceVPC
	case strings.HasPrefix(lower, "microsoft.network/loadbalancers"), strings.HasPrefix(lower, "microsoft.network/applicationgateways"):
		return model.ResourceLoadBalancer
	case strings.HasPrefix(lower, "microsoft.network/networksecuritygroups"):
		return model.ResourceSecurityGroup
	case strings.HasPrefix(lower, "microsoft.network/dnszones"):
		return model.ResourceDNS
	case strings.HasPrefix(lower, "microsoft.network"):
		return model.ResourceNetwork
	case strings.HasPrefix(lower, "microsoft.web/sites"), strings.HasPrefix(lower, "microsoft.containerinstance"):
		return model.ResourceContainer
	case strings.HasPrefix(lower, "microsoft.cache"):
		return model.ResourceCache
	case strings.HasPrefix(lower, "microsoft.cdn"):
		return model.ResourceCDN
	case strings.HasPrefix(lower, "microsoft.managedidentity"), strings.HasPrefix(lower, "microsoft.authorization"):
		return model.ResourceIdentity
	case strings.HasPrefix(lower, "microsoft.servicebus"), strings.HasPrefix(lower, "microsoft.eventgrid"):
		return model.ResourceQueue
	default:
		return model.ResourceCustom
	}
}
