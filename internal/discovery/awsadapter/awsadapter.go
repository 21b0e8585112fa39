// Package awsadapter discovers EC2 instances and IAM roles for one
// AWS account, using aws-sdk-go-v2. IAM role trust policies are the
// evidence the engine's cross-account inference pass reads to link
// accounts that assume each other's roles.
package awsadapter

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/nimbusgraph/graphcore/internal/discovery"
	"github.com/nimbusgraph/graphcore/internal/discovery/pageloop"
	"github.com/nimbusgraph/graphcore/internal/model"
	"github.com/nimbusgraph/graphcore/internal/tenancy"
)

// Adapter discovers AWS resources for one account across its
// configured regions.
type Adapter struct {
	PageloopConfig pageloop.Config
}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Provider() model.Provider { return model.ProviderAWS }

func (a *Adapter) Discover(ctx context.Context, account *tenancy.CloudAccount) (discovery.DiscoverResult, error) {
	cfg, err := a.loadConfig(ctx, account)
	if err != nil {
		return discovery.DiscoverResult{}, fmt.Errorf("awsadapter: load config: %w", err)
	}

	var result discovery.DiscoverResult

	regions := account.Regions
	if len(regions) == 0 {
		regions = []string{cfg.Region}
	}

	for _, region := range regions {
		regionCfg := cfg.Copy()
		regionCfg.Region = region
		if err := a.discoverInstances(ctx, regionCfg, &result); err != nil {
			result.Errors = append(result.Errors, discovery.DiscoveryError{Scope: "ec2:" + region, Message: err.Error()})
		}
	}

	if err := a.discoverRoles(ctx, cfg, &result); err != nil {
		result.Errors = append(result.Errors, discovery.DiscoveryError{Scope: "iam:roles", Message: err.Error()})
	}

	return result, nil
}

func (a *Adapter) loadConfig(ctx context.Context, account *tenancy.CloudAccount) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if account.Auth.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(account.Auth.Profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	if account.Auth.Method == tenancy.AuthAssumeRole && account.Auth.RoleARN != "" {
		stsClient := sts.NewFromConfig(cfg)
		provider := stscreds.NewAssumeRoleProvider(stsClient, account.Auth.RoleARN)
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}
	return cfg, nil
}

func (a *Adapter) discoverInstances(ctx context.Context, cfg aws.Config, result *discovery.DiscoverResult) error {
	client := ec2.NewFromConfig(cfg)

	return pageloop.Run(ctx, a.PageloopConfig, func(ctx context.Context, cursor string) (*ec2.DescribeInstancesOutput, string, error) {
		input := &ec2.DescribeInstancesInput{}
		if cursor != "" {
			input.NextToken = aws.String(cursor)
		}
		page, err := client.DescribeInstances(ctx, input)
		if err != nil {
			return nil, "", err
		}
		next := ""
		if page.NextToken != nil {
			next = *page.NextToken
		}
		return page, next, nil
	}, func(page *ec2.DescribeInstancesOutput) error {
		for _, reservation := range page.Reservations {
			for _, instance := range reservation.Instances {
				result.Nodes = append(result.Nodes, instanceToNode(instance, cfg.Region))
			}
		}
		return nil
	})
}

func instanceToNode(instance ec2types.Instance, region string) discovery.NodeInput {
	tags := make(map[string]string, len(instance.Tags))
	name := aws.ToString(instance.InstanceId)
	for _, tag := range instance.Tags {
		key, value := aws.ToString(tag.Key), aws.ToString(tag.Value)
		tags[key] = value
		if key == "Name" && value != "" {
			name = value
		}
	}
	return discovery.NodeInput{
		NativeID:     aws.ToString(instance.InstanceId),
		Name:         name,
		Region:       region,
		ResourceType: model.ResourceCompute,
		Status:       instanceStateToStatus(instance.State),
		Tags:         tags,
		Metadata: map[string]any{
			"discoverySource": "aws-ec2",
			"instanceType":    string(instance.InstanceType),
			"region":          region,
		},
	}
}

func instanceStateToStatus(state *ec2types.InstanceState) model.ResourceStatus {
	if state == nil {
		return model.StatusUnknown
	}
	switch state.Name {
	case ec2types.InstanceStateNameRunning:
		return model.StatusRunning
	case ec2types.InstanceStateNameStopped, ec2types.InstanceStateNameStopping:
		return model.StatusStopped
	case ec2types.InstanceStateNameTerminated, ec2types.InstanceStateNameShuttingDown:
		return model.StatusError
	default:
		return model.StatusUnknown
	}
}

func (a *Adapter) discoverRoles(ctx context.Context, cfg aws.Config, result *discovery.DiscoverResult) error {
	client := iam.NewFromConfig(cfg)

	return pageloop.Run(ctx, a.PageloopConfig, func(ctx context.Context, cursor string) (*iam.ListRolesOutput, string, error) {
		input := &iam.ListRolesInput{}
		if cursor != "" {
			input.Marker = aws.String(cursor)
		}
		page, err := client.ListRoles(ctx, input)
		if err != nil {
			return nil, "", err
		}
		next := ""
		if page.IsTruncated && page.Marker != nil {
			next = *page.Marker
		}
		return page, next, nil
	}, func(page *iam.ListRolesOutput) error {
		for _, role := range page.Roles {
			result.Nodes = append(result.Nodes, discovery.NodeInput{
				NativeID:     aws.ToString(role.Arn),
				Name:         aws.ToString(role.RoleName),
				Region:       "global",
				ResourceType: model.ResourceIdentity,
				Status:       model.StatusRunning,
				Metadata: map[string]any{
					"discoverySource":      "aws-iam",
					"assumeRolePolicyDoc": aws.ToString(role.AssumeRolePolicyDocument),
				},
			})
		}
		return nil
	})
}
