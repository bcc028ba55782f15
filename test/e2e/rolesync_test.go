//go:build e2e
// +build e2e

/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package e2e

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	primehubv1alpha1 "github.com/dc-tec/keycloak-sync-operator/api/v1alpha1"
)

func newDataset(name string, global bool) *primehubv1alpha1.Dataset {
	return &primehubv1alpha1.Dataset{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: primehubv1alpha1.DatasetSpec{
			Visibility: primehubv1alpha1.Visibility{DisplayName: "Dataset " + name, Global: global},
			Type:       "pv",
		},
	}
}

func newImage(name string, global bool) *primehubv1alpha1.Image {
	return &primehubv1alpha1.Image{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: primehubv1alpha1.ImageSpec{
			Visibility: primehubv1alpha1.Visibility{DisplayName: "Image " + name, Global: global},
		},
	}
}

func getJSON(path string, out any) int {
	resp, err := http.Get(inventoryServer.URL + path)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	if out != nil && resp.StatusCode == http.StatusOK {
		Expect(json.Unmarshal(body, out)).To(Succeed())
	}
	return resp.StatusCode
}

var _ = Describe("Role reconciliation", Ordered, func() {
	const timeout = 10 * time.Second

	It("creates the roles of an added dataset and shares global ones with everyone", func() {
		Expect(kube.Create(ctx, newDataset("ds-1", true))).To(Succeed())

		Eventually(realm.Roles, timeout).Should(ContainElements("ds:ds-1", "ds:rw:ds-1"))
		Eventually(func() []string { return realm.GroupRoles(everyoneGroup) }, timeout).Should(ContainElement("ds:ds-1"))
		Expect(realm.GroupRoles(everyoneGroup)).NotTo(ContainElement("ds:rw:ds-1"))
	})

	It("deletes the roles of a deleted dataset", func() {
		Expect(kube.Delete(ctx, newDataset("ds-1", true))).To(Succeed())

		Eventually(func() bool { return realm.HasRole("ds:ds-1") || realm.HasRole("ds:rw:ds-1") }, timeout).Should(BeFalse())
	})

	It("keeps private images out of the everyone group", func() {
		Expect(kube.Create(ctx, newImage("tf-2", false))).To(Succeed())

		Eventually(func() bool { return realm.HasRole("img:tf-2") }, timeout).Should(BeTrue())
		Consistently(func() []string { return realm.GroupRoles(everyoneGroup) }, 300*time.Millisecond).
			ShouldNot(ContainElement("img:tf-2"))
	})

	It("does not retry a failed event but heals it on resync", func() {
		realm.FailAdminRequests(1)
		Expect(kube.Create(ctx, newDataset("ds-2", false))).To(Succeed())

		Consistently(func() bool { return realm.HasRole("ds:ds-2") }, 500*time.Millisecond).Should(BeFalse())

		By("replaying every resource through the ADDED handler")
		Expect(observer.Resync(ctx)).To(Succeed())
		Expect(realm.Roles()).To(ContainElements("ds:ds-2", "ds:rw:ds-2", "img:tf-2"))
	})

	It("treats a resync over existing roles as a no-op", func() {
		before := realm.Roles()
		Expect(observer.Resync(ctx)).To(Succeed())
		Expect(realm.Roles()).To(Equal(before))
	})
})

var _ = Describe("Service credentials", func() {
	It("hold an access token carrying the application roles", func() {
		raw, err := loop.GetAccessToken()
		Expect(err).NotTo(HaveOccurred())
		Expect(raw).NotTo(BeEmpty())
		Expect(loop.HasApplicationRole("sync")).To(BeTrue())
		Expect(loop.HasApplicationRole("admin")).To(BeFalse())

		grants, _ := realm.Grants()
		Expect(grants).To(BeNumerically(">=", 1))
	})
})

var _ = Describe("Inventory view", Ordered, func() {
	type listResponse struct {
		Kind  string                     `json:"kind"`
		Items []primehubv1alpha1.Dataset `json:"items"`
	}

	It("serves datasets from the cache after a refetch", func() {
		Expect(kube.Create(ctx, newDataset("ds-3", true))).To(Succeed())

		resp, err := http.Post(inventoryServer.URL+"/api/v1/dataset/refetch", "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(BeNumerically("<", 300))

		var list listResponse
		Expect(getJSON("/api/v1/dataset", &list)).To(Equal(http.StatusOK))
		Expect(list.Kind).To(Equal("dataset"))
		names := make([]string, 0, len(list.Items))
		for _, item := range list.Items {
			names = append(names, item.Name)
		}
		Expect(names).To(ContainElement("ds-3"))
	})

	It("returns 404 for an unknown dataset and a placeholder in batch lookups", func() {
		Expect(getJSON("/api/v1/dataset/missing", nil)).To(Equal(http.StatusNotFound))

		var batch listResponse
		Expect(getJSON("/api/v1/batch/dataset?names=ds-3,missing", &batch)).To(Equal(http.StatusOK))
		Expect(batch.Items).To(HaveLen(2))
		Expect(batch.Items[1].Name).To(Equal("missing"))
	})
})
