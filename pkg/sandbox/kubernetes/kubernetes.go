// Package kubernetes implements sandbox.Runtime on a Kubernetes cluster:
// boundaries are namespaces and sandboxes are single-container pods.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/jxucoder/ClassPod/pkg/sandbox"
)

// ContainerName is the name of the single container in every sandbox pod.
const ContainerName = "sandbox"

// LabelCreatedAt stores the Unix timestamp the pod was created at.
const LabelCreatedAt = "classpod.io/created-at"

// Config configures the Kubernetes runtime.
type Config struct {
	// Kubeconfig is used when not running in-cluster. Empty means ~/.kube/config.
	Kubeconfig string

	// Timeout bounds each API call. Zero disables the bound.
	Timeout time.Duration

	// TerminatingWait bounds how long CreateSandbox waits for a
	// same-name pod that is still being deleted.
	TerminatingWait time.Duration

	// PollInterval is how often terminating pods are rechecked.
	PollInterval time.Duration
}

// Runtime implements sandbox.Runtime using the Kubernetes API.
type Runtime struct {
	client kubernetes.Interface
	rest   *rest.Config
	cfg    Config
	log    logrus.FieldLogger
}

var _ sandbox.Runtime = (*Runtime)(nil)

// New builds a client from in-cluster config, falling back to kubeconfig.
func New(cfg Config, log logrus.FieldLogger) (*Runtime, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		log.Debug("Not running in-cluster, trying kubeconfig")

		path := cfg.Kubeconfig
		if path == "" {
			path = clientcmd.RecommendedHomeFile
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, fmt.Errorf("building kubernetes config: %w", err)
		}
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return NewWithClient(client, restCfg, cfg, log), nil
}

// NewWithClient wraps an existing clientset. restCfg is only needed for
// AttachExec and may be nil otherwise.
func NewWithClient(client kubernetes.Interface, restCfg *rest.Config, cfg Config, log logrus.FieldLogger) *Runtime {
	if cfg.TerminatingWait == 0 {
		cfg.TerminatingWait = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Runtime{
		client: client,
		rest:   restCfg,
		cfg:    cfg,
		log:    log.WithField("component", "sandbox.kubernetes"),
	}
}

func (r *Runtime) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.cfg.Timeout)
}

// CreateBoundary creates the namespace for a course.
func (r *Runtime) CreateBoundary(ctx context.Context, name string) error {
	ctx, cancel := r.callCtx(ctx)
	defer cancel()

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Labels: map[string]string{
				sandbox.LabelManagedBy: sandbox.ManagedByValue,
			},
		},
	}
	_, err := r.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil {
		return classify("create boundary "+name, err)
	}

	r.log.WithField("boundary", name).Info("Created boundary")
	return nil
}

// DeleteBoundary deletes a course namespace. The platform removes every
// pod inside it.
func (r *Runtime) DeleteBoundary(ctx context.Context, name string) error {
	ctx, cancel := r.callCtx(ctx)
	defer cancel()

	err := r.client.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil {
		return classify("delete boundary "+name, err)
	}

	r.log.WithField("boundary", name).Info("Deleted boundary")
	return nil
}

// ListBoundaries returns the namespaces created by ClassPod.
func (r *Runtime) ListBoundaries(ctx context.Context) ([]string, error) {
	ctx, cancel := r.callCtx(ctx)
	defer cancel()

	list, err := r.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{
		LabelSelector: managedSelector(),
	})
	if err != nil {
		return nil, classify("list boundaries", err)
	}

	names := make([]string, 0, len(list.Items))
	for _, ns := range list.Items {
		names = append(names, ns.Name)
	}
	sort.Strings(names)
	return names, nil
}

// CreateSandbox creates the student pod. A same-name pod that is still
// terminating from an earlier teardown is waited out first.
func (r *Runtime) CreateSandbox(ctx context.Context, boundary, name string, spec sandbox.Spec) error {
	if err := spec.Validate(); err != nil {
		return &sandbox.Error{Op: "create sandbox " + name, Err: err}
	}
	pod, err := buildPod(boundary, name, spec)
	if err != nil {
		return &sandbox.Error{Op: "create sandbox " + name, Err: err}
	}

	if err := r.waitTerminated(ctx, boundary, name); err != nil {
		return err
	}

	callCtx, cancel := r.callCtx(ctx)
	defer cancel()

	if _, err := r.client.CoreV1().Pods(boundary).Create(callCtx, pod, metav1.CreateOptions{}); err != nil {
		return classify("create sandbox "+name, err)
	}

	r.log.WithFields(logrus.Fields{
		"boundary": boundary,
		"sandbox":  name,
		"image":    spec.Image,
	}).Info("Created sandbox")
	return nil
}

// waitTerminated blocks while a pod with the given name is being deleted.
func (r *Runtime) waitTerminated(ctx context.Context, boundary, name string) error {
	deadline := time.Now().Add(r.cfg.TerminatingWait)
	for {
		getCtx, cancel := r.callCtx(ctx)
		pod, err := r.client.CoreV1().Pods(boundary).Get(getCtx, name, metav1.GetOptions{})
		cancel()

		switch {
		case apierrors.IsNotFound(err):
			return nil
		case err != nil:
			return classify("get sandbox "+name, err)
		case pod.DeletionTimestamp == nil:
			// Live pod: let Create report the conflict.
			return nil
		}

		if time.Now().After(deadline) {
			return &sandbox.Error{Op: "create sandbox " + name, Err: fmt.Errorf("previous pod still terminating after %s", r.cfg.TerminatingWait)}
		}

		select {
		case <-ctx.Done():
			return &sandbox.Error{Op: "create sandbox " + name, Err: ctx.Err()}
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// DeleteSandbox deletes a student pod immediately.
func (r *Runtime) DeleteSandbox(ctx context.Context, boundary, name string) error {
	ctx, cancel := r.callCtx(ctx)
	defer cancel()

	err := r.client.CoreV1().Pods(boundary).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: ptr(int64(0)),
	})
	if err != nil {
		return classify("delete sandbox "+name, err)
	}

	r.log.WithFields(logrus.Fields{
		"boundary": boundary,
		"sandbox":  name,
	}).Info("Deleted sandbox")
	return nil
}

// ListSandboxes returns ClassPod pods in a boundary.
func (r *Runtime) ListSandboxes(ctx context.Context, boundary string) ([]sandbox.Info, error) {
	ctx, cancel := r.callCtx(ctx)
	defer cancel()

	pods, err := r.client.CoreV1().Pods(boundary).List(ctx, metav1.ListOptions{
		LabelSelector: managedSelector(),
	})
	if err != nil {
		return nil, classify("list sandboxes in "+boundary, err)
	}

	infos := make([]sandbox.Info, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		infos = append(infos, sandbox.Info{
			Boundary:  boundary,
			Name:      pod.Name,
			Labels:    pod.Labels,
			Running:   pod.Status.Phase == corev1.PodRunning && pod.DeletionTimestamp == nil,
			CreatedAt: createdAt(pod),
		})
	}
	return infos, nil
}

// AttachExec opens an interactive exec stream into a running pod.
func (r *Runtime) AttachExec(ctx context.Context, boundary, name string, opts sandbox.ExecOptions) (sandbox.Stream, error) {
	op := "attach " + name

	getCtx, cancel := r.callCtx(ctx)
	pod, err := r.client.CoreV1().Pods(boundary).Get(getCtx, name, metav1.GetOptions{})
	cancel()
	if err != nil {
		return nil, classify(op, err)
	}
	if pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil {
		return nil, &sandbox.Error{Op: op, Err: fmt.Errorf("%w: phase %s", sandbox.ErrNotRunning, pod.Status.Phase)}
	}
	if r.rest == nil {
		return nil, &sandbox.Error{Op: op, Err: errors.New("no REST config for exec")}
	}

	req := r.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(name).
		Namespace(boundary).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: ContainerName,
			Command:   opts.Command,
			Stdin:     opts.Stdin,
			Stdout:    opts.Stdout,
			Stderr:    opts.Stderr,
			TTY:       opts.TTY,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(r.rest, "POST", req.URL())
	if err != nil {
		return nil, &sandbox.Error{Op: op, Err: fmt.Errorf("creating executor: %w", err)}
	}

	r.log.WithFields(logrus.Fields{
		"boundary": boundary,
		"sandbox":  name,
		"command":  opts.Command,
	}).Debug("Attaching exec stream")

	return startStream(ctx, exec, opts), nil
}

// execStream adapts a remotecommand executor to sandbox.Stream with two
// pipes: writes feed the process's stdin, reads drain its output.
type execStream struct {
	stdinW  *io.PipeWriter
	outR    *io.PipeReader
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	execErr error
}

func startStream(ctx context.Context, exec remotecommand.Executor, opts sandbox.ExecOptions) *execStream {
	streamCtx, cancel := context.WithCancel(ctx)
	stdinR, stdinW := io.Pipe()
	outR, outW := io.Pipe()

	s := &execStream{
		stdinW: stdinW,
		outR:   outR,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	streamOpts := remotecommand.StreamOptions{Tty: opts.TTY}
	if opts.Stdin {
		streamOpts.Stdin = stdinR
	}
	if opts.Stdout {
		streamOpts.Stdout = outW
	}
	if opts.Stderr && !opts.TTY {
		// A TTY merges stderr into stdout on the remote side.
		streamOpts.Stderr = outW
	}

	go func() {
		defer close(s.done)
		err := exec.StreamWithContext(streamCtx, streamOpts)
		if err == nil {
			err = io.EOF
		} else {
			s.execErr = err
		}
		outW.CloseWithError(err)
		stdinR.CloseWithError(err)
	}()

	return s
}

func (s *execStream) Read(p []byte) (int, error) { return s.outR.Read(p) }

func (s *execStream) Write(p []byte) (int, error) { return s.stdinW.Write(p) }

// Close cancels the remote stream and waits for it to release.
func (s *execStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		_ = s.stdinW.Close()
		_ = s.outR.Close()
		<-s.done
	})
	if s.execErr != nil && !errors.Is(s.execErr, context.Canceled) {
		return s.execErr
	}
	return nil
}

func buildPod(boundary, name string, spec sandbox.Spec) (*corev1.Pod, error) {
	memLimit, err := resource.ParseQuantity(spec.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("parsing memory limit: %w", err)
	}
	cpuLimit, err := resource.ParseQuantity(spec.CPULimit)
	if err != nil {
		return nil, fmt.Errorf("parsing cpu limit: %w", err)
	}

	labels := map[string]string{
		sandbox.LabelManagedBy: sandbox.ManagedByValue,
		LabelCreatedAt:         strconv.FormatInt(time.Now().Unix(), 10),
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: boundary,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyAlways,
			AutomountServiceAccountToken:  ptr(false),
			EnableServiceLinks:            ptr(false),
			TerminationGracePeriodSeconds: ptr(int64(5)),
			Containers: []corev1.Container{
				{
					Name:            ContainerName,
					Image:           spec.Image,
					ImagePullPolicy: corev1.PullIfNotPresent,
					Command:         []string{"sleep", "infinity"},
					Env:             env,
					Stdin:           true,
					TTY:             true,
					Resources: corev1.ResourceRequirements{
						Limits: corev1.ResourceList{
							corev1.ResourceMemory: memLimit,
							corev1.ResourceCPU:    cpuLimit,
						},
					},
					SecurityContext: &corev1.SecurityContext{
						AllowPrivilegeEscalation: ptr(false),
						SeccompProfile: &corev1.SeccompProfile{
							Type: corev1.SeccompProfileTypeRuntimeDefault,
						},
					},
				},
			},
		},
	}, nil
}

// classify wraps an API error in a sandbox.Error carrying its status code.
func classify(op string, err error) error {
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return &sandbox.Error{Op: op, Status: int(status.Status().Code), Err: err}
	}
	return &sandbox.Error{Op: op, Err: err}
}

func createdAt(pod *corev1.Pod) time.Time {
	if v, ok := pod.Labels[LabelCreatedAt]; ok {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(ts, 0)
		}
	}
	return pod.CreationTimestamp.Time
}

func managedSelector() string {
	return sandbox.LabelManagedBy + "=" + sandbox.ManagedByValue
}

func ptr[T any](v T) *T {
	return &v
}
