package main

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocistack/stevedore/app/cache"
	"github.com/ocistack/stevedore/app/server"
	"github.com/ocistack/stevedore/app/store/crypt"
	"github.com/ocistack/stevedore/app/store/engine"
)

func Test_redirHTTPPort(t *testing.T) {
	tbl := []struct {
		port int

		res int
	}{
		{0, 80},
		{0, 80},
		{1234, 1234},
		{1234, 1234},
	}

	for i, tt := range tbl {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			assert.Equal(t, tt.res, redirectHTTPPort(tt.port))
		})
	}
}

func Test_sizeParse(t *testing.T) {

	tbl := []struct {
		inp string
		res uint64
		err bool
	}{
		{"1000", 1000, false},
		{"0", 0, false},
		{"", 0, true},
		{"10K", 10240, false},
		{"1k", 1024, false},
		{"14m", 14 * 1024 * 1024, false},
		{"7G", 7 * 1024 * 1024 * 1024, false},
		{"170g", 170 * 1024 * 1024 * 1024, false},
		{"17T", 17 * 1024 * 1024 * 1024 * 1024, false},
		{"123aT", 0, true},
		{"123a", 0, true},
		{"123.45", 0, true},
	}

	for i, tt := range tbl {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			res, err := sizeParse(tt.inp)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.res, res)
		})
	}
}

func Test_fqdns(t *testing.T) {
	assert.Equal(t, []string{"test.org", "demo.test.org"}, fqdns([]string{" test.org", "demo.test.org "}))
}

func Test_makeDataStore(t *testing.T) {
	sg := StoreGroup{Type: "embed"}
	sg.Embed.Path = os.TempDir() + "/test_db"

	var (
		iStore       engine.Interface
		errNo, errIs error
	)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)

	iStore, errNo = makeDataStore(ctx, sg)
	defer func() {
		cancel()
		assert.NoError(t, os.RemoveAll(os.TempDir()+"/test_db"))
	}()

	assert.NoError(t, errNo)
	assert.NotNil(t, iStore)
	assert.NoError(t, iStore.Close(ctx))

	sg.Type = "unknown"
	iStore, errIs = makeDataStore(ctx, sg)
	assert.Error(t, errIs)
	assert.Equal(t, iStore, nil)
}

func Test_makeSSLConfig(t *testing.T) {
	oldOpts := opts
	defer func() { opts = oldOpts }()

	opts = &Options{}
	opts.SSL.Type = "none"
	cfg, err := makeSSLConfig()
	require.NoError(t, err)
	assert.Equal(t, server.SSLNone, cfg.SSLMode)

	opts.SSL.Type = "static"
	_, err = makeSSLConfig()
	assert.Error(t, err, "static without cert must fail")

	opts.SSL.Cert = "cert.pem"
	opts.SSL.Key = "key.pem"
	opts.SSL.Port = 8443
	cfg, err = makeSSLConfig()
	require.NoError(t, err)
	assert.Equal(t, server.SSLStatic, cfg.SSLMode)
	assert.Equal(t, 8443, cfg.Port)
	assert.Equal(t, 80, cfg.RedirHTTPPort)

	opts.SSL.Type = "auto"
	opts.SSL.FQDNs = []string{"test.org "}
	cfg, err = makeSSLConfig()
	require.NoError(t, err)
	assert.Equal(t, server.SSLAuto, cfg.SSLMode)
	assert.Equal(t, []string{"test.org"}, cfg.FQDNs)

	opts.SSL.Type = "bad"
	_, err = makeSSLConfig()
	assert.Error(t, err)
}

func Test_makeCaches(t *testing.T) {
	tags, tokens, err := makeCaches(nil)
	require.NoError(t, err)
	assert.IsType(t, &cache.Memory{}, tags)
	assert.IsType(t, &cache.Memory{}, tokens)
}

func Test_makeProxyCaches(t *testing.T) {
	oldOpts := opts
	defer func() { opts = oldOpts }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := makeDataStore(ctx, func() StoreGroup {
		sg := StoreGroup{Type: "embed"}
		sg.Embed.Path = t.TempDir() + "/test.db"
		return sg
	}())
	require.NoError(t, err)
	defer func() { assert.NoError(t, db.Close(ctx)) }()

	enc, err := crypt.NewFieldEncrypter("test-secret")
	require.NoError(t, err)

	opts = &Options{}
	res, err := makeProxyCaches(ctx, db, nil, enc, cache.NewNoop())
	require.NoError(t, err)
	assert.Empty(t, res)

	opts.Proxy.Namespaces = []string{"missing"}
	_, err = makeProxyCaches(ctx, db, nil, enc, cache.NewNoop())
	assert.Error(t, err, "proxy namespace without a store row must fail")
}
