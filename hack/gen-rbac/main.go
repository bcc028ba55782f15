package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/dc-tec/keycloak-sync-operator/internal/constants"
	"github.com/dc-tec/keycloak-sync-operator/internal/preflight"
)

const roleName = constants.LabelValueAppNameKeycloakSync

const header = `---
# Generated by hack/gen-rbac. Do not edit.
#
# Permissions the role syncer checks for at start-up. Lease and event access is only
# needed when leader election is enabled.
`

func main() {
	out := flag.String("output", "config/rbac/role.yaml", "file to write the ClusterRole to, - for stdout")
	leaderElection := flag.Bool("leader-election", true, "include the permissions leader election needs")
	flag.Parse()

	if err := run(*out, *leaderElection); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(out string, leaderElection bool) error {
	if out == "-" {
		return render(os.Stdout, preflight.RequiredRules(leaderElection))
	}
	path := filepath.Clean(out)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// #nosec G302 G304 -- writes non-sensitive YAML intended to be committed to the repo.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if err := render(f, preflight.RequiredRules(leaderElection)); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func clusterRole(rules []rbacv1.PolicyRule) *rbacv1.ClusterRole {
	return &rbacv1.ClusterRole{
		TypeMeta: metav1.TypeMeta{APIVersion: rbacv1.SchemeGroupVersion.String(), Kind: "ClusterRole"},
		ObjectMeta: metav1.ObjectMeta{
			Name: roleName,
			Labels: map[string]string{
				constants.LabelAppName:      constants.LabelValueAppNameKeycloakSync,
				constants.LabelAppComponent: constants.LabelValueComponentRBAC,
				constants.LabelAppManagedBy: constants.LabelValueManagedByKustomize,
			},
		},
		Rules: rules,
	}
}

func render(w io.Writer, rules []rbacv1.PolicyRule) error {
	data, err := yaml.Marshal(clusterRole(rules))
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
