// Package k8sadapter discovers Pods, Deployments and Services for one
// cluster, using client-go's typed clientset. Each kind maps onto the
// closed resourceType taxonomy. The only edges emitted are routes-to
// edges from Services that have a selector; Pods and Deployments carry
// no edge to an owning resource.
package k8sadapter

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/nimbusgraph/graphcore/internal/discovery"
	"github.com/nimbusgraph/graphcore/internal/discovery/pageloop"
	"github.com/nimbusgraph/graphcore/internal/model"
	"github.com/nimbusgraph/graphcore/internal/tenancy"
)

type Adapter struct {
	PageloopConfig pageloop.Config
}

// clusterLocalRegion stands in for cloud region on cluster-scoped
// resources, which don't carry one.
const clusterLocalRegion = "cluster-local"

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Provider() model.Provider { return model.ProviderKubernetes }

func (a *Adapter) Discover(ctx context.Context, account *tenancy.CloudAccount) (discovery.DiscoverResult, error) {
	restCfg, err := a.restConfig(account)
	if err != nil {
		return discovery.DiscoverResult{}, fmt.Errorf("k8sadapter: rest config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return discovery.DiscoverResult{}, fmt.Errorf("k8sadapter: new clientset: %w", err)
	}

	var result discovery.DiscoverResult

	if err := a.discoverPods(ctx, clientset, &result); err != nil {
		result.Errors = append(result.Errors, discovery.DiscoveryError{Scope: "pods", Message: err.Error()})
	}
	if err := a.discoverDeployments(ctx, clientset, &result); err != nil {
		result.Errors = append(result.Errors, discovery.DiscoveryError{Scope: "deployments", Message: err.Error()})
	}
	if err := a.discoverServices(ctx, clientset, &result); err != nil {
		result.Errors = append(result.Errors, discovery.DiscoveryError{Scope: "services", Message: err.Error()})
	}

	return result, nil
}

func (a *Adapter) restConfig(account *tenancy.CloudAccount) (*rest.Config, error) {
	if account.Auth.Method == tenancy.AuthKubeconfig && account.Auth.KubeconfigPath != "" {
		return clientcmd.BuildConfigFromFlags("", account.Auth.KubeconfigPath)
	}
	return rest.InClusterConfig()
}

func (a *Adapter) discoverPods(ctx context.Context, clientset kubernetes.Interface, result *discovery.DiscoverResult) error {
	return pageloop.Run(ctx, a.PageloopConfig, func(ctx context.Context, cursor string) (*corev1.PodList, string, error) {
		page, err := clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{Continue: cursor, Limit: 500})
		if err != nil {
			return nil, "", err
		}
		return page, page.Continue, nil
	}, func(page *corev1.PodList) error {
		for _, pod := range page.Items {
			result.Nodes = append(result.Nodes, podToNode(pod))
		}
		return nil
	})
}

func podToNode(pod corev1.Pod) discovery.NodeInput {
	return discovery.NodeInput{
		NativeID:     fmt.Sprintf("pod/%s/%s", pod.Namespace, pod.Name),
		Name:         pod.Name,
		Region:       clusterLocalRegion,
		ResourceType: model.ResourceContainer,
		Status:       podPhaseToStatus(pod.Status.Phase),
		Tags:         pod.Labels,
		Metadata: map[string]any{
			"discoverySource": "k8s-pod",
			"namespace":       pod.Namespace,
			"nodeName":        pod.Spec.NodeName,
		},
	}
}

func podPhaseToStatus(phase corev1.PodPhase) model.ResourceStatus {
	switch phase {
	case corev1.PodRunning:
		return model.StatusRunning
	case corev1.PodSucceeded, corev1.PodFailed:
		return model.StatusStopped
	default:
		return model.StatusUnknown
	}
}

func (a *Adapter) discoverDeployments(ctx context.Context, clientset kubernetes.Interface, result *discovery.DiscoverResult) error {
	return pageloop.Run(ctx, a.PageloopConfig, func(ctx context.Context, cursor string) (*appsv1.DeploymentList, string, error) {
		page, err := clientset.AppsV1().Deployments(metav1.NamespaceAll).List(ctx, metav1.ListOptions{Continue: cursor, Limit: 500})
		if err != nil {
			return nil, "", err
		}
		return page, page.Continue, nil
	}, func(page *appsv1.DeploymentList) error {
		for _, dep := range page.Items {
			result.Nodes = append(result.Nodes, discovery.NodeInput{
				NativeID:     fmt.Sprintf("deployment/%s/%s", dep.Namespace, dep.Name),
				Name:         dep.Name,
				Region:       clusterLocalRegion,
				ResourceType: model.ResourceCompute,
				Status:       deploymentStatusToStatus(dep.Status.ReadyReplicas, dep.Status.Replicas),
				Tags:         dep.Labels,
				Metadata: map[string]any{
					"discoverySource": "k8s-deployment",
					"namespace":       dep.Namespace,
					"replicas":        dep.Status.Replicas,
					"readyReplicas":   dep.Status.ReadyReplicas,
				},
			})
		}
		return nil
	})
}

func deploymentStatusToStatus(ready, desired int32) model.ResourceStatus {
	if desired == 0 {
		return model.StatusUnknown
	}
	if ready == desired {
		return model.StatusRunning
	}
	if ready == 0 {
		return model.StatusError
	}
	return model.StatusRunning
}

func (a *Adapter) discoverServices(ctx context.Context, clientset kubernetes.Interface, result *discovery.DiscoverResult) error {
	return pageloop.Run(ctx, a.PageloopConfig, func(ctx context.Context, cursor string) (*corev1.ServiceList, string, error) {
		page, err := clientset.CoreV1().Services(metav1.NamespaceAll).List(ctx, metav1.ListOptions{Continue: cursor, Limit: 500})
		if err != nil {
			return nil, "", err
		}
		return page, page.Continue, nil
	}, func(page *corev1.ServiceList) error {
		for _, svc := range page.Items {
			result.Nodes = append(result.Nodes, serviceToNode(svc))
			if svc.Spec.Selector != nil {
				result.Edges = append(result.Edges, discovery.EdgeInput{
					SourceNativeID:   fmt.Sprintf("service/%s/%s", svc.Namespace, svc.Name),
					TargetNativeID:   fmt.Sprintf("deployment-selector/%s/%s", svc.Namespace, svc.Name),
					RelationshipType: model.RelRoutesTo,
					Confidence:       0.6,
					DiscoveredVia:    model.DiscoveredViaConfigScan,
				})
			}
		}
		return nil
	})
}

func serviceToNode(svc corev1.Service) discovery.NodeInput {
	resourceType := model.ResourceNetwork
	if svc.Spec.Type == corev1.ServiceTypeLoadBalancer {
		resourceType = model.ResourceLoadBalancer
	}
	return discovery.NodeInput{
		NativeID:     fmt.Sprintf("service/%s/%s", svc.Namespace, svc.Name),
		Name:         svc.Name,
		Region:       clusterLocalRegion,
		ResourceType: resourceType,
		Status:       model.StatusRunning,
		Tags:         svc.Labels,
		Metadata: map[string]any{
			"discoverySource": "k8s-service",
			"namespace":       svc.Namespace,
			"serviceType":     string(svc.Spec.Type),
			"clusterIP":       svc.Spec.ClusterIP,
		},
	}
}
