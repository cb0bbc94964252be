package gcp

import (
	"context"
	"fmt"

	cloudkms "cloud.google.com/go/kms/apiv1"
	resourcemanager "cloud.google.com/go/resourcemanager/apiv3"
	"cloud.google.com/go/resourcemanager/apiv3/resourcemanagerpb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/erabusi/cloud-foundation-fabric/pkg/kms"
)

// Dial creates a Provider backed by real Cloud KMS and Resource Manager
// clients. The same client options are passed to both.
func Dial(ctx context.Context, opts ...option.ClientOption) (*Provider, error) {
	kmsClient, err := cloudkms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create KMS client: %w", err)
	}

	tagClient, err := resourcemanager.NewTagBindingsClient(ctx, opts...)
	if err != nil {
		kmsClient.Close()
		return nil, fmt.Errorf("failed to create tag bindings client: %w", err)
	}

	return New(
		WithKeyManagementClient(kmsClient),
		WithTagBindingsClient(&tagBindingsAdapter{client: tagClient}),
	), nil
}

// Configure dials real clients and replaces the unconfigured provider
// registered at package init. Call once from program startup, after
// credentials are available.
func Configure(ctx context.Context, opts ...option.ClientOption) error {
	configured, err := Dial(ctx, opts...)
	if err != nil {
		return err
	}
	kms.DefaultRegistry.Unregister(kms.ProviderGCP)
	return kms.DefaultRegistry.Register(configured)
}

// tagBindingsAdapter narrows the Resource Manager tag bindings client to
// the TagBindingsClient interface, waiting out the long-running
// operations the real API returns.
type tagBindingsAdapter struct {
	client *resourcemanager.TagBindingsClient
}

func (a *tagBindingsAdapter) CreateTagBinding(ctx context.Context, parent, tagValue string) (string, error) {
	op, err := a.client.CreateTagBinding(ctx, &resourcemanagerpb.CreateTagBindingRequest{
		TagBinding: &resourcemanagerpb.TagBinding{
			Parent:   parent,
			TagValue: tagValue,
		},
	})
	if err != nil {
		return "", err
	}

	binding, err := op.Wait(ctx)
	if err != nil {
		return "", err
	}
	return binding.GetName(), nil
}

func (a *tagBindingsAdapter) DeleteTagBinding(ctx context.Context, name string) error {
	op, err := a.client.DeleteTagBinding(ctx, &resourcemanagerpb.DeleteTagBindingRequest{
		Name: name,
	})
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

func (a *tagBindingsAdapter) ListTagBindings(ctx context.Context, parent string) ([]string, error) {
	var values []string
	it := a.client.ListTagBindings(ctx, &resourcemanagerpb.ListTagBindingsRequest{
		Parent: parent,
	})
	for {
		binding, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		values = append(values, binding.GetTagValue())
	}
	return values, nil
}
