// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package beacon

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/beacon/beacon/structs"
)

func namingKey(name string) structs.ServiceKey {
	k := structs.ServiceKey{Name: name}
	k.Canonicalize()
	return k
}

func ephemeralInstance(ip string, port int) *structs.Instance {
	return &structs.Instance{
		IP: ip, Port: port, Weight: 1, Healthy: true, Enabled: true, Ephemeral: true,
	}
}

func TestNaming_RegisterQuery(t *testing.T) {
	s := testServer(t, nil)
	sess := testSession(t, s)
	key := namingKey("web")

	var reg structs.GenericResponse
	must.NoError(t, s.RPC("Naming.Register", &structs.InstanceRegisterRequest{
		Service:   key,
		SessionID: sess.ID,
		Instance:  ephemeralInstance("10.0.0.1", 8080),
	}, &reg))
	must.Positive(t, reg.Index)

	var resp structs.ServiceQueryResponse
	must.NoError(t, s.RPC("Naming.Query", &structs.ServiceQueryRequest{Service: key}, &resp))
	must.Len(t, 1, resp.ServiceInfo.Hosts)
	must.Eq(t, "10.0.0.1", resp.ServiceInfo.Hosts[0].IP)
	must.Eq(t, key.GroupedName(), resp.ServiceInfo.GroupName+"@@"+resp.ServiceInfo.Name)
}

func TestNaming_Register_Validation(t *testing.T) {
	s := testServer(t, nil)
	sess := testSession(t, s)

	var reply structs.GenericResponse

	// Bad address.
	err := s.RPC("Naming.Register", &structs.InstanceRegisterRequest{
		Service:   namingKey("web"),
		SessionID: sess.ID,
		Instance:  ephemeralInstance("not-an-ip", 8080),
	}, &reply)
	must.True(t, structs.CodeForError(err) == structs.CodeInvalidArgument)

	// Ephemeral registration without a session.
	err = s.RPC("Naming.Register", &structs.InstanceRegisterRequest{
		Service:  namingKey("web"),
		Instance: ephemeralInstance("10.0.0.1", 8080),
	}, &reply)
	must.Error(t, err)

	// Reserved characters in the service name.
	err = s.RPC("Naming.Register", &structs.InstanceRegisterRequest{
		Service:   structs.ServiceKey{Name: "bad@@name"},
		SessionID: sess.ID,
		Instance:  ephemeralInstance("10.0.0.1", 8080),
	}, &reply)
	must.True(t, structs.CodeForError(err) == structs.CodeInvalidArgument)
}

func TestNaming_QueryHealthyOnly(t *testing.T) {
	s := testServer(t, nil)
	sess := testSession(t, s)
	key := namingKey("web")

	healthy := ephemeralInstance("10.0.0.1", 8080)
	sick := ephemeralInstance("10.0.0.2", 8080)
	sick.Healthy = false

	var reply structs.GenericResponse
	must.NoError(t, s.RPC("Naming.BatchRegister", &structs.InstanceBatchRegisterRequest{
		Service:   key,
		SessionID: sess.ID,
		Instances: []*structs.Instance{healthy, sick},
	}, &reply))

	var resp structs.ServiceQueryResponse
	must.NoError(t, s.RPC("Naming.Query", &structs.ServiceQueryRequest{Service: key}, &resp))
	must.Len(t, 2, resp.ServiceInfo.Hosts)

	must.NoError(t, s.RPC("Naming.Query", &structs.ServiceQueryRequest{
		Service: key, HealthyOnly: true,
	}, &resp))
	must.Len(t, 1, resp.ServiceInfo.Hosts)
	must.Eq(t, "10.0.0.1", resp.ServiceInfo.Hosts[0].IP)
}

func TestNaming_BatchRegister_ReplacesSessionSet(t *testing.T) {
	s := testServer(t, nil)
	sess := testSession(t, s)
	key := namingKey("web")

	var reply structs.GenericResponse
	must.NoError(t, s.RPC("Naming.BatchRegister", &structs.InstanceBatchRegisterRequest{
		Service:   key,
		SessionID: sess.ID,
		Instances: []*structs.Instance{ephemeralInstance("10.0.0.1", 8080), ephemeralInstance("10.0.0.2", 8080)},
	}, &reply))

	must.NoError(t, s.RPC("Naming.BatchRegister", &structs.InstanceBatchRegisterRequest{
		Service:   key,
		SessionID: sess.ID,
		Instances: []*structs.Instance{ephemeralInstance("10.0.0.3", 8080)},
	}, &reply))

	var resp structs.ServiceQueryResponse
	must.NoError(t, s.RPC("Naming.Query", &structs.ServiceQueryRequest{Service: key}, &resp))
	must.Len(t, 1, resp.ServiceInfo.Hosts)
	must.Eq(t, "10.0.0.3", resp.ServiceInfo.Hosts[0].IP)
}

func TestNaming_Deregister_AbsentIsNoop(t *testing.T) {
	s := testServer(t, nil)

	var reply structs.GenericResponse
	must.NoError(t, s.RPC("Naming.Deregister", &structs.InstanceDeregisterRequest{
		Service: namingKey("ghost"),
		IP:      "10.0.0.1",
		Port:    8080,
	}, &reply))
}

func TestNaming_List_Paged(t *testing.T) {
	s := testServer(t, nil)
	sess := testSession(t, s)

	var reply structs.GenericResponse
	for _, name := range []string{"api", "cache", "web"} {
		must.NoError(t, s.RPC("Naming.Register", &structs.InstanceRegisterRequest{
			Service:   namingKey(name),
			SessionID: sess.ID,
			Instance:  ephemeralInstance("10.0.0.1", 8080),
		}, &reply))
	}

	var resp structs.ServiceListResponse
	must.NoError(t, s.RPC("Naming.List", &structs.ServiceListRequest{}, &resp))
	must.Eq(t, 3, resp.Count)
	must.Eq(t, []string{"api", "cache", "web"}, resp.Services)

	must.NoError(t, s.RPC("Naming.List", &structs.ServiceListRequest{
		PageRequest: structs.PageRequest{PageNo: 2, PageSize: 2},
	}, &resp))
	must.Eq(t, 3, resp.Count)
	must.Eq(t, []string{"web"}, resp.Services)
}

func TestNaming_Subscribe(t *testing.T) {
	s := testServer(t, nil)
	sess := testSession(t, s)
	key := namingKey("web")

	// Subscribing to an absent service creates and pins it.
	var resp structs.ServiceSubscribeResponse
	must.NoError(t, s.RPC("Naming.Subscribe", &structs.ServiceSubscribeRequest{
		Service:   key,
		SessionID: sess.ID,
		Subscribe: true,
	}, &resp))
	must.NotNil(t, resp.ServiceInfo)
	must.Len(t, 0, resp.ServiceInfo.Hosts)
	must.True(t, s.subs.HasSubscribers(key))

	must.NoError(t, s.RPC("Naming.Subscribe", &structs.ServiceSubscribeRequest{
		Service:   key,
		SessionID: sess.ID,
		Subscribe: false,
	}, &resp))
	must.False(t, s.subs.HasSubscribers(key))
}

func TestNaming_ClientViews(t *testing.T) {
	s := testServer(t, nil)
	sess := testSession(t, s)
	key := namingKey("web")

	var reg structs.GenericResponse
	must.NoError(t, s.RPC("Naming.Register", &structs.InstanceRegisterRequest{
		Service:   key,
		SessionID: sess.ID,
		Instance:  ephemeralInstance("10.0.0.1", 8080),
	}, &reg))

	var subResp structs.ServiceSubscribeResponse
	must.NoError(t, s.RPC("Naming.Subscribe", &structs.ServiceSubscribeRequest{
		Service:   namingKey("api"),
		SessionID: sess.ID,
		Subscribe: true,
		Clusters:  "A",
	}, &subResp))

	var list structs.ClientListResponse
	must.NoError(t, s.RPC("Naming.ClientList", &structs.ClientListRequest{}, &list))
	must.Eq(t, []string{sess.ID}, list.ClientIDs)

	var get structs.ClientGetResponse
	must.NoError(t, s.RPC("Naming.ClientGet", &structs.ClientGetRequest{ClientID: sess.ID}, &get))
	must.Eq(t, sess.ID, get.Client.ClientID)
	must.Eq(t, "10.0.0.1", get.Client.ClientIP)
	must.Positive(t, get.Client.CreatedTime)

	var pub structs.ClientPublishedResponse
	must.NoError(t, s.RPC("Naming.ClientPublished", &structs.ClientGetRequest{ClientID: sess.ID}, &pub))
	must.Len(t, 1, pub.Instances)
	must.Eq(t, "web", pub.Instances[0].Service.Name)
	must.Eq(t, "10.0.0.1", pub.Instances[0].Instance.IP)

	var held structs.ClientSubscriptionsResponse
	must.NoError(t, s.RPC("Naming.ClientSubscriptions", &structs.ClientGetRequest{ClientID: sess.ID}, &held))
	must.Len(t, 1, held.Subscriptions)
	must.Eq(t, "api", held.Subscriptions[0].Service.Name)
	must.Eq(t, "A", held.Subscriptions[0].Clusters)

	// Unknown clients are not found, empty ids rejected.
	err := s.RPC("Naming.ClientGet", &structs.ClientGetRequest{ClientID: "ghost"}, &get)
	must.Eq(t, structs.CodeNotFound, structs.CodeForError(err))
	err = s.RPC("Naming.ClientGet", &structs.ClientGetRequest{}, &get)
	must.Eq(t, structs.CodeInvalidArgument, structs.CodeForError(err))
}

func TestNaming_UpdateHealth(t *testing.T) {
	s := testServer(t, nil)
	key := namingKey("db")

	persistent := &structs.Instance{
		IP: "10.0.0.9", Port: 5432, Weight: 1, Healthy: true, Enabled: true,
	}
	var reply structs.GenericResponse
	must.NoError(t, s.RPC("Naming.Register", &structs.InstanceRegisterRequest{
		Service:  key,
		Instance: persistent,
	}, &reply))

	must.NoError(t, s.RPC("Naming.UpdateHealth", &structs.InstanceUpdateHealthRequest{
		Service: key, IP: "10.0.0.9", Port: 5432, Healthy: false,
	}, &reply))

	var resp structs.ServiceQueryResponse
	must.NoError(t, s.RPC("Naming.Query", &structs.ServiceQueryRequest{Service: key}, &resp))
	must.False(t, resp.ServiceInfo.Hosts[0].Healthy)
}
