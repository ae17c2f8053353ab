package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/merchkit/loyalty/pkg/loyalty"
)

// ShopSettings loads the per-shop configuration snapshot.
func (store *Store) ShopSettings(ctx context.Context, shop string) (loyalty.ShopSettings, error) {
	var model ShopSettings
	err := store.db.WithContext(ctx).
		Where("shop = ?", shop).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return loyalty.ShopSettings{}, fmt.Errorf("%w: shop %s has no settings", loyalty.ErrConfiguration, shop)
	}
	if err != nil {
		return loyalty.ShopSettings{}, wrapStoreError(errorSubjectSettings, errorCodeGet, err)
	}
	return toDomainSettings(model)
}

// UpsertShopSettings writes the configuration snapshot owned by the admin
// workflow.
func (store *Store) UpsertShopSettings(ctx context.Context, settings loyalty.ShopSettings) error {
	model, err := toModelSettings(settings)
	if err != nil {
		return wrapStoreError(errorSubjectSettings, errorCodeDecode, err)
	}
	model.UpdatedAt = time.Now().UTC()
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "shop"}},
			UpdateAll: true,
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectSettings, errorCodeInsert, err)
	}
	return nil
}

func toDomainSettings(model ShopSettings) (loyalty.ShopSettings, error) {
	settings := loyalty.ShopSettings{
		Shop:                             model.Shop,
		EarnRate:                         model.EarnRate,
		RedemptionMinOrderCents:          model.RedemptionMinOrderCents,
		RedemptionExpiryHours:            model.RedemptionExpiryHours,
		PointsExpireInactivityDays:       model.PointsExpireInactivityDays,
		PreventMultipleActiveRedemptions: model.PreventMultipleActiveRedemptions,
		RestoreExpiredRedemptions:        model.RestoreExpiredRedemptions,
		ExcludedCollectionID:             model.ExcludedCollectionID,
		EligibleCollectionHandle:         model.EligibleCollectionHandle,
	}
	if err := decodeJSON(model.RedemptionSteps, &settings.RedemptionSteps); err != nil {
		return loyalty.ShopSettings{}, wrapStoreError(errorSubjectSettings, errorCodeDecode, err)
	}
	if err := decodeJSON(model.RedemptionValueCents, &settings.RedemptionValueCents); err != nil {
		return loyalty.ShopSettings{}, wrapStoreError(errorSubjectSettings, errorCodeDecode, err)
	}
	if err := decodeJSON(model.ExcludedCustomerTags, &settings.ExcludedCustomerTags); err != nil {
		return loyalty.ShopSettings{}, wrapStoreError(errorSubjectSettings, errorCodeDecode, err)
	}
	if err := decodeJSON(model.IncludedProductTags, &settings.IncludedProductTags); err != nil {
		return loyalty.ShopSettings{}, wrapStoreError(errorSubjectSettings, errorCodeDecode, err)
	}
	if err := decodeJSON(model.ExcludedProductTags, &settings.ExcludedProductTags); err != nil {
		return loyalty.ShopSettings{}, wrapStoreError(errorSubjectSettings, errorCodeDecode, err)
	}
	return settings, nil
}

func toModelSettings(settings loyalty.ShopSettings) (ShopSettings, error) {
	model := ShopSettings{
		Shop:                             settings.Shop,
		EarnRate:                         settings.EarnRate,
		RedemptionMinOrderCents:          settings.RedemptionMinOrderCents,
		RedemptionExpiryHours:            settings.RedemptionExpiryHours,
		PointsExpireInactivityDays:       settings.PointsExpireInactivityDays,
		PreventMultipleActiveRedemptions: settings.PreventMultipleActiveRedemptions,
		RestoreExpiredRedemptions:        settings.RestoreExpiredRedemptions,
		ExcludedCollectionID:             settings.ExcludedCollectionID,
		EligibleCollectionHandle:         settings.EligibleCollectionHandle,
	}
	var err error
	if model.RedemptionSteps, err = encodeJSON(settings.RedemptionSteps); err != nil {
		return ShopSettings{}, err
	}
	if model.RedemptionValueCents, err = encodeJSON(settings.RedemptionValueCents); err != nil {
		return ShopSettings{}, err
	}
	if model.ExcludedCustomerTags, err = encodeJSON(settings.ExcludedCustomerTags); err != nil {
		return ShopSettings{}, err
	}
	if model.IncludedProductTags, err = encodeJSON(settings.IncludedProductTags); err != nil {
		return ShopSettings{}, err
	}
	if model.ExcludedProductTags, err = encodeJSON(settings.ExcludedProductTags); err != nil {
		return ShopSettings{}, err
	}
	return model, nil
}

func decodeJSON(raw datatypes.JSON, target interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func encodeJSON(value interface{}) (datatypes.JSON, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}
