package actuator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// CanaryWeightAnnotation is the ingress-nginx annotation carrying the
// canary traffic percentage.
const CanaryWeightAnnotation = "nginx.ingress.kubernetes.io/canary-weight"

// apiTimeout bounds each Kubernetes API call so a wedged API server
// cannot stall the control loop past its step interval.
const apiTimeout = 10 * time.Second

// IngressCommitter stores the canary weight on an ingress-nginx canary
// Ingress. The annotation on the cluster is the source of truth; Weight
// always re-reads it.
type IngressCommitter struct {
	k8s       kubernetes.Interface
	namespace string
	name      string
	logger    *slog.Logger
}

// NewIngressCommitter creates a committer for the named canary ingress.
func NewIngressCommitter(k8s kubernetes.Interface, namespace, name string, logger *slog.Logger) (*IngressCommitter, error) {
	if k8s == nil {
		return nil, fmt.Errorf("actuator: kubernetes client is required")
	}
	if namespace == "" || name == "" {
		return nil, fmt.Errorf("actuator: ingress namespace and name are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IngressCommitter{k8s: k8s, namespace: namespace, name: name, logger: logger}, nil
}

// Weight reads the current canary weight from the annotation. A missing
// annotation means no canary traffic.
func (c *IngressCommitter) Weight(ctx context.Context) (int, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	ing, err := c.k8s.NetworkingV1().Ingresses(c.namespace).Get(ctx, c.name, metav1.GetOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to get ingress %s/%s: %w", c.namespace, c.name, err)
	}

	raw, ok := ing.Annotations[CanaryWeightAnnotation]
	if !ok || raw == "" {
		return 0, nil
	}
	weight, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("ingress %s/%s has malformed canary weight %q: %w", c.namespace, c.name, raw, err)
	}
	if weight < 0 || weight > 100 {
		return 0, fmt.Errorf("ingress %s/%s has out-of-range canary weight %d", c.namespace, c.name, weight)
	}
	return weight, nil
}

// Commit writes the weight annotation. Writing the value the ingress
// already carries is a no-op.
func (c *IngressCommitter) Commit(ctx context.Context, weight int) error {
	if weight < 0 || weight > 100 {
		return fmt.Errorf("canary weight %d out of range", weight)
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	ing, err := c.k8s.NetworkingV1().Ingresses(c.namespace).Get(ctx, c.name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to get ingress %s/%s: %w", c.namespace, c.name, err)
	}

	value := strconv.Itoa(weight)
	if ing.Annotations[CanaryWeightAnnotation] == value {
		return nil
	}

	if ing.Annotations == nil {
		ing.Annotations = make(map[string]string)
	}
	ing.Annotations[CanaryWeightAnnotation] = value

	if _, err := c.k8s.NetworkingV1().Ingresses(c.namespace).Update(ctx, ing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update ingress %s/%s: %w", c.namespace, c.name, err)
	}
	return nil
}

// opContext attaches the API deadline unless the caller already set a
// tighter one.
func (c *IngressCommitter) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d, ok := ctx.Deadline(); ok && time.Until(d) < apiTimeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, apiTimeout)
}
