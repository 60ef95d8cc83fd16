package k8sadapter

import (
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/intstr"
	restclient "k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// loadConfig loads a kubeconfig file, falling back to in-cluster config when
// kubeconfigPath is empty.
func loadConfig(kubeconfigPath string) (*restclient.Config, error) {
	if kubeconfigPath == "" {
		if cfg, err := restclient.InClusterConfig(); err == nil {
			return cfg, nil
		}
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

// mustParseQuantity parses a resource quantity string ("2", "4Gi"). Callers
// pass values sourced from validated configuration, so a parse failure is a
// configuration bug rather than a runtime condition to recover from.
func mustParseQuantity(s string) resource.Quantity {
	return resource.MustParse(s)
}

func intOrString(port int32) intstr.IntOrString {
	return intstr.FromInt32(port)
}
