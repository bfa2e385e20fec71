// Package configutil turns the crypto configuration block into a ticket
// cipher backed by a go-kms-wrapping wrapper.
package configutil

import (
	"context"
	"encoding/base64"
	"fmt"
	"maps"
	"slices"

	"github.com/hashicorp/errwrap"
	wrapping "github.com/openbao/go-kms-wrapping/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/alicloudkms/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/awskms/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/azurekeyvault/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/gcpckms/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/kmip/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/ocikms/v2"
	statickms "github.com/openbao/go-kms-wrapping/wrappers/static/v2"
	"github.com/openbao/go-kms-wrapping/wrappers/transit/v2"
	"github.com/openbao/openbao/sdk/v2/logical"
	"github.com/stephnangue/turnstile/cipher"
	"github.com/stephnangue/turnstile/config"
	log "github.com/stephnangue/turnstile/logger"
)

// WrapperFunc builds a wrapper from its settings and returns it with the
// values worth printing at startup.
type WrapperFunc func(ctx context.Context, conf map[string]string, opts ...wrapping.Option) (wrapping.Wrapper, map[string]string, error)

// infoKeys maps wrapper metadata keys to their display labels.
type infoKeys map[string]string

func newWrapperFunc(newWrapper func() wrapping.Wrapper, labels infoKeys, tolerateMissingKey bool) WrapperFunc {
	return func(ctx context.Context, conf map[string]string, opts ...wrapping.Option) (wrapping.Wrapper, map[string]string, error) {
		w := newWrapper()
		wrapperInfo, err := w.SetConfig(ctx, append(opts, wrapping.WithConfigMap(conf))...)
		if err != nil {
			// a key that does not exist yet is created on first use
			if !tolerateMissingKey || !errwrap.ContainsType(err, new(logical.KeyNotFoundError)) {
				return nil, nil, err
			}
		}
		info := make(map[string]string)
		if wrapperInfo != nil {
			for key, label := range labels {
				if v := wrapperInfo.Metadata[key]; v != "" {
					info[label] = v
				}
			}
		}
		return w, info, nil
	}
}

// Wrappers holds the supported wrapper types. Tests replace entries to
// avoid reaching a real KMS.
var Wrappers = map[wrapping.WrapperType]WrapperFunc{
	wrapping.WrapperTypeAliCloudKms: newWrapperFunc(
		func() wrapping.Wrapper { return alicloudkms.NewWrapper() },
		infoKeys{"region": "AliCloud KMS Region", "kms_key_id": "AliCloud KMS KeyID", "domain": "AliCloud KMS Domain"},
		true),
	wrapping.WrapperTypeAwsKms: newWrapperFunc(
		func() wrapping.Wrapper { return awskms.NewWrapper() },
		infoKeys{"region": "AWS KMS Region", "kms_key_id": "AWS KMS KeyID", "endpoint": "AWS KMS Endpoint"},
		true),
	wrapping.WrapperTypeAzureKeyVault: newWrapperFunc(
		func() wrapping.Wrapper { return azurekeyvault.NewWrapper() },
		infoKeys{"environment": "Azure Environment", "vault_name": "Azure Vault Name", "key_name": "Azure Key Name"},
		true),
	wrapping.WrapperTypeGcpCkms: newWrapperFunc(
		func() wrapping.Wrapper { return gcpckms.NewWrapper() },
		infoKeys{"project": "GCP KMS Project", "region": "GCP KMS Region", "key_ring": "GCP KMS Key Ring", "crypto_key": "GCP KMS Crypto Key"},
		true),
	wrapping.WrapperTypeOciKms: newWrapperFunc(
		func() wrapping.Wrapper { return ocikms.NewWrapper() },
		infoKeys{
			ocikms.KmsConfigKeyId:              "OCI KMS KeyID",
			ocikms.KmsConfigCryptoEndpoint:     "OCI KMS Crypto Endpoint",
			ocikms.KmsConfigManagementEndpoint: "OCI KMS Management Endpoint",
		},
		false),
	wrapping.WrapperTypeTransit: newWrapperFunc(
		func() wrapping.Wrapper { return transit.NewWrapper() },
		infoKeys{"address": "Transit Address", "mount_path": "Transit Mount Path", "key_name": "Transit Key Name", "namespace": "Transit Namespace"},
		true),
	wrapping.WrapperTypeKmip: newWrapperFunc(
		func() wrapping.Wrapper { return kmip.NewWrapper() },
		infoKeys{"kms_key_id": "KMIP Key ID", "endpoint": "KMIP Endpoint", "encrypt_alg": "KMIP Encryption Algorithm"},
		false),
	wrapping.WrapperTypeStatic: newWrapperFunc(
		func() wrapping.Wrapper { return statickms.NewWrapper() },
		infoKeys{"current_key_id": "Static KMS Key ID", "previous_key_id": "Static KMS Previous Key ID"},
		true),
}

// SupportedTypes lists the accepted crypto types in sorted order.
func SupportedTypes() []string {
	types := []string{string(wrapping.WrapperTypeAead)}
	for t := range maps.Keys(Wrappers) {
		types = append(types, string(t))
	}
	slices.Sort(types)
	return types
}

func decodeKey(name, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("crypto: %s is not valid base64: %w", name, err)
	}
	return key, nil
}

// ConfigureWrapper builds the wrapper named by the block's type.
func ConfigureWrapper(ctx context.Context, block *config.CryptoBlock) (wrapping.Wrapper, map[string]string, error) {
	if wrapping.WrapperType(block.Type) == wrapping.WrapperTypeAead {
		key, err := decodeKey("key", block.Key)
		if err != nil {
			return nil, nil, err
		}
		if len(key) == 0 {
			return nil, nil, fmt.Errorf("crypto: key is required for aead")
		}
		w, err := cipher.NewAEADWrapper(ctx, key, block.KeyID)
		if err != nil {
			return nil, nil, err
		}
		info := map[string]string{}
		if block.KeyID != "" {
			info["AEAD Key ID"] = block.KeyID
		}
		return w, info, nil
	}

	fn, ok := Wrappers[wrapping.WrapperType(block.Type)]
	if !ok {
		return nil, nil, fmt.Errorf("unknown crypto type %q", block.Type)
	}
	var opts []wrapping.Option
	if block.KeyID != "" {
		opts = append(opts, wrapping.WithKeyId(block.KeyID))
	}
	conf := block.Config()
	if wrapping.WrapperType(block.Type) == wrapping.WrapperTypeStatic && block.Key != "" {
		if _, ok := conf["current_key"]; !ok {
			conf["current_key"] = block.Key
		}
	}
	w, info, err := fn(ctx, conf, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("configuring %s wrapper: %w", block.Type, err)
	}
	return w, info, nil
}

// BuildCipher returns the ticket cipher described by block. A disabled
// block yields cipher.NoOp.
func BuildCipher(ctx context.Context, block *config.CryptoBlock, logger log.Logger) (cipher.Cipher, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if block == nil || !block.Enabled {
		logger.Warn("ticket encryption is disabled, payloads are stored in plaintext")
		return cipher.NoOp{}, nil
	}

	signingKey, err := decodeKey("signing_key", block.SigningKey)
	if err != nil {
		return nil, err
	}
	if len(signingKey) == 0 {
		logger.Warn("no signing key configured, ticket payloads are not signed")
	}

	w, info, err := ConfigureWrapper(ctx, block)
	if err != nil {
		return nil, err
	}

	fields := []log.TypedField{log.String("type", block.Type), log.Bool("signed", len(signingKey) > 0)}
	for _, label := range slices.Sorted(maps.Keys(info)) {
		fields = append(fields, log.String(label, info[label]))
	}
	logger.Info("ticket encryption enabled", fields...)

	return cipher.NewWrapperCipher(w, signingKey)
}
